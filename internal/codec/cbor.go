// Package codec encodes session snapshots and credential payloads as CBOR.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2), so the same
// value always produces the same bytes. Timestamps are written as RFC 3339
// strings with nanoseconds; the default unix-seconds form would truncate
// submission times that scoring depends on.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR. Struct fields use their json tag names.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v. Unknown fields are ignored.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
