package broker

// enqueue puts id into the waiting queue and runs matching.
// A client that is still in a session ends it first, so queue entry and
// session participation never overlap.
func (b *Broker) enqueue(id, address string) {
	info, ok := b.registry.Get(id)
	if !ok {
		return
	}
	if address == "" {
		address = info.Address
	}

	b.endByParticipant(id, ReasonPeerEnded)

	b.queue.Add(id, address, b.now())
	b.log.Info("broker.queue.enter", "conn_id", id, "waiting", b.queue.Len())

	b.matchWaiting()
}

func (b *Broker) dequeue(id string) {
	if b.queue.Remove(id) {
		b.log.Debug("broker.queue.leave", "conn_id", id, "waiting", b.queue.Len())
	}
}

// matchWaiting pairs the two longest-waiting clients until fewer than two remain.
// Every iteration removes at least one entry, so the loop terminates.
func (b *Broker) matchWaiting() int {
	matched := 0
	for {
		first, second, ok := b.queue.Oldest()
		if !ok {
			return matched
		}

		staleFirst := b.dropIfStale(first)
		staleSecond := b.dropIfStale(second)
		if staleFirst || staleSecond {
			continue
		}

		b.queue.Remove(first.ConnID)
		b.queue.Remove(second.ConnID)
		if _, ok := b.startSession(first.ConnID, second.ConnID, first.Address, second.Address, ViaRandom); ok {
			matched++
		}
	}
}

// dropIfStale removes e when its connection is gone or already paired.
func (b *Broker) dropIfStale(e WaitEntry) bool {
	if b.registry.Has(e.ConnID) && !b.sessions.InSession(e.ConnID) {
		return false
	}
	b.queue.Remove(e.ConnID)
	b.metrics.StaleEntryDropped()
	b.log.Debug("broker.queue.stale", "conn_id", e.ConnID)
	return true
}
