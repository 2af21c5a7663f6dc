package udrpc

// ShadowOwner names one of the four places a dynamic MessageBuffer's storage
// can live at any moment, per the protocol design: handed to a caller or
// handler ("user"), queued as a requester-side slot's outbound request
// ("slot.tx"), held by a responder- or requester-side slot as an inbound
// message being reassembled ("slot.rx"), or returned to the allocator.
type ShadowOwner int

const (
	ShadowOwnerUser ShadowOwner = iota
	ShadowOwnerSlotTx
	ShadowOwnerSlotRx
	ShadowOwnerFreed
)

func (o ShadowOwner) String() string {
	switch o {
	case ShadowOwnerUser:
		return "user"
	case ShadowOwnerSlotTx:
		return "slot.tx"
	case ShadowOwnerSlotRx:
		return "slot.rx"
	case ShadowOwnerFreed:
		return "freed"
	default:
		return "unknown"
	}
}

// ShadowObserver is notified every time a dynamic MessageBuffer this Endpoint
// is managing changes hands between the ownership states ShadowOwner
// enumerates. It is nil by default; SetShadowObserver installs one. Fake
// buffers (NewFakeMessageBuffer) never generate events, since they never
// enter the allocator's ownership lifecycle.
//
// This exists purely so a test can build a shadow ownership tracker on top
// of it (asserting at most one owner is ever observed for a given
// ShadowTag, and poisoning a buffer's storage on ShadowOwnerFreed to turn a
// use-after-free into a visible corruption instead of a silent race).
// Production code never sets one.
type ShadowObserver func(buf *MessageBuffer, owner ShadowOwner)

// SetShadowObserver installs fn as e's buffer ownership shadow observer,
// replacing any previous one. Pass nil to disable. Not safe to call
// concurrently with Endpoint methods that transition buffer ownership.
func (e *Endpoint) SetShadowObserver(fn ShadowObserver) { e.shadowObserver = fn }

// notifyShadow reports one ownership transition for buf, if a shadow
// observer is installed and buf is a real dynamic buffer.
func (e *Endpoint) notifyShadow(buf *MessageBuffer, owner ShadowOwner) {
	if e.shadowObserver == nil || buf == nil || !buf.IsDynamic() {
		return
	}
	e.shadowObserver(buf, owner)
}

// releaseBuf is the single path by which the Endpoint returns a dynamic
// MessageBuffer to the allocator, so every release is visible to the shadow
// observer before the buffer's fields are actually cleared.
func (e *Endpoint) releaseBuf(buf *MessageBuffer) {
	if buf == nil {
		return
	}
	e.notifyShadow(buf, ShadowOwnerFreed)
	buf.Release()
}
