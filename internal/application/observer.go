package application

import "time"

type nopObserver struct{}

func (nopObserver) OnBlockProcessed(uint64)              {}
func (nopObserver) OnTransactionsPersisted(int)          {}
func (nopObserver) OnSubscriptionError()                 {}
func (nopObserver) OnBlockProcessingError()              {}
func (nopObserver) OnPersistenceError()                  {}
func (nopObserver) ObservePersistDuration(time.Duration) {}
func (nopObserver) OnStartPositionError()                {}
func (nopObserver) OnCheckpoint(uint64)                  {}
func (nopObserver) OnChainHead(uint64)                   {}
