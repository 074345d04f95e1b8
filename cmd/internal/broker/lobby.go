package broker

import v1 "pairline/contracts/signal/v1"

// broadcastJoin announces a lobby client to everyone else.
func (b *Broker) broadcastJoin(info ClientInfo) {
	if info.Mode != ModeLobby {
		return
	}
	b.broadcast(info.ID, v1.TypeUserJoined, info.wire())
}

// broadcastLeave announces a departed connection to everyone remaining.
func (b *Broker) broadcastLeave(id string) {
	b.broadcast(id, v1.TypeUserLeft, v1.UserLeftPayload{ID: id})
}

// listOnline answers get_online_users with the full registry, requester included.
func (b *Broker) listOnline(requester string) {
	list := b.registry.List()
	users := make([]v1.ClientInfo, 0, len(list))
	for _, c := range list {
		users = append(users, c.wire())
	}
	b.deliver(requester, v1.TypeOnlineUsers, v1.OnlineUsersPayload{Users: users})
}

// initiateDirect pairs from with a chosen counterpart, bypassing the queue.
func (b *Broker) initiateDirect(from, to string) error {
	if to == "" || !b.registry.Has(to) {
		return ErrTargetOffline
	}
	if to == from {
		return ErrSelfTarget
	}
	if b.sessions.InSession(from) {
		return ErrAlreadyInSession
	}
	if b.sessions.InSession(to) {
		return ErrTargetBusy
	}

	fromInfo, _ := b.registry.Get(from)
	toInfo, _ := b.registry.Get(to)

	b.dequeue(from)
	b.dequeue(to)

	if _, ok := b.startSession(from, to, fromInfo.Address, toInfo.Address, ViaDirect); !ok {
		return ErrTargetOffline
	}
	return nil
}
