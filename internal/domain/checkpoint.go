package domain

// DefaultCheckpointKey names the single ingestion stream.
const DefaultCheckpointKey = "last-processed-block"
