package app

import (
	"encoding/json"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirepush/internal/store"
)

// printer writes one JSON line per event.
type printer struct {
	out zerolog.Logger
}

func newPrinter(w io.Writer) *printer {
	return &printer{out: zerolog.New(w)}
}

func (p *printer) print(rec *store.EventRecord) {
	ev := p.out.Log().
		Time("received_at", rec.ReceivedAt).
		Str("channel", rec.Channel).
		Str("event", rec.Event)
	if rec.UserID != "" {
		ev = ev.Str("user_id", rec.UserID)
	}
	if json.Valid([]byte(rec.Data)) {
		ev = ev.RawJSON("data", []byte(rec.Data))
	} else {
		ev = ev.Str("data", rec.Data)
	}
	ev.Send()
}

func (p *printer) printState(prev, next string, at time.Time) {
	p.out.Log().
		Time("at", at).
		Str("from", prev).
		Str("to", next).
		Send()
}
