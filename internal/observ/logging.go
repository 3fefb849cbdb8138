package observ

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout)

// Log emits a single structured JSON line for an engine event.
// Every kv field is attached verbatim; ts and event are always present.
func Log(event string, kv map[string]any) {
	e := logger.Log().
		Str("ts", time.Now().UTC().Format(time.RFC3339Nano)).
		Str("event", event)
	for k, v := range kv {
		e = e.Interface(k, v)
	}
	e.Send()
}
