package janus

// dispatch is the routing decision for one push: the event to emit, whether
// the session receives it, and the handle (if any) that receives it.
type dispatch struct {
	event     Event
	toSession bool
	handle    *Handle
}

func (d dispatch) empty() bool {
	return !d.toSession && d.handle == nil
}

// route maps a decoded push to its destinations. lookup resolves the push's
// sender against the handle registry. `error` pushes are handled by the poll
// loop and never reach route.
func route(push *Response, lookup func(ID) (*Handle, bool)) dispatch {
	var handle *Handle
	if push.Sender != nil && lookup != nil {
		if h, ok := lookup(*push.Sender); ok {
			handle = h
		}
	}

	switch push.Janus {
	case "event":
		if handle == nil {
			return dispatch{}
		}
		ev := Event{Type: EventEvent}
		if push.PluginData != nil && present(push.PluginData.Data) {
			ev.Data = push.PluginData.Data
		}
		if present(push.JSEP) {
			ev.JSEP = push.JSEP
		}
		return dispatch{event: ev, handle: handle}
	case "webrtcup":
		return dispatch{event: Event{Type: EventWebRTCUp, Push: push}, toSession: true, handle: handle}
	case "media":
		return dispatch{event: Event{Type: EventMedia, Push: push}, toSession: true, handle: handle}
	case "hangup":
		return dispatch{event: Event{Type: EventHangup, Push: push}, toSession: true, handle: handle}
	default:
		return dispatch{}
	}
}
