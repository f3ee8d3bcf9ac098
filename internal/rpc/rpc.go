// Package rpc implements the authenticated JSON RPC edge used between
// the master and the worker nodes, in both directions.
//
// Every request is a POST of an envelope:
//
//	{"data": <method arguments>, "timestamp": <unix seconds>, "hmac": <hex>}
//
// where hmac is HMAC-SHA256 over the serialized arguments concatenated
// with the decimal timestamp, keyed by the shared secret. The timestamp
// bounds replay of captured envelopes.
package rpc

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"time"
)

var (
	// ErrAuth covers bad signatures and stale timestamps. Callers must
	// not blindly retry on it: looping against a misconfigured peer
	// helps nobody.
	ErrAuth = errors.New("rpc: authentication rejected")

	// ErrApplication is a remote handler failure, as opposed to a
	// transport problem.
	ErrApplication = errors.New("rpc: remote error")
)

// ReplayWindow is how far an envelope timestamp may drift from the
// receiver's clock before the request is rejected.
const ReplayWindow = 5 * time.Minute

// timeNow is swapped by tests exercising the replay window.
var timeNow = time.Now

// Envelope is the wire format of a request.
type Envelope struct {
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	HMAC      string          `json:"hmac"`
}

// Response is the wire format of a reply.
type Response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func sign(secret, data []byte, timestamp int64) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Seal wraps already-serialized arguments in a signed envelope.
func Seal(secret, data []byte, now time.Time) Envelope {
	ts := now.Unix()
	return Envelope{Data: data, Timestamp: ts, HMAC: sign(secret, data, ts)}
}

// Verify checks the envelope signature and timestamp against the shared
// secret. It returns ErrAuth on any mismatch.
func Verify(secret []byte, env Envelope, now time.Time) error {
	drift := now.Unix() - env.Timestamp
	if drift < 0 {
		drift = -drift
	}
	if time.Duration(drift)*time.Second > ReplayWindow {
		return ErrAuth
	}
	want := sign(secret, env.Data, env.Timestamp)
	got, err := hex.DecodeString(env.HMAC)
	if err != nil {
		return ErrAuth
	}
	wantRaw, _ := hex.DecodeString(want)
	if !hmac.Equal(got, wantRaw) {
		return ErrAuth
	}
	return nil
}
