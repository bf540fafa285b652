// Package feed carries store change events between API instances over a
// message broker.
package feed

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/quocanhngo/convo/internal/store"
)

func encode(ev store.ChangeEvent) ([]byte, error) {
	if ev.CommitTime.IsZero() {
		ev.CommitTime = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode change event: %w", err)
	}
	return data, nil
}

func decode(data []byte) (store.ChangeEvent, error) {
	var ev store.ChangeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("decode change event: %w", err)
	}
	return ev, nil
}

func unavailable(op, table string, err error) error {
	return &store.Error{Code: store.CodeUnavailable, Op: op, Table: table, Err: err}
}

func control(table string, typ store.EventType) store.ChangeEvent {
	return store.ChangeEvent{Table: table, Type: typ, CommitTime: time.Now().UTC()}
}
