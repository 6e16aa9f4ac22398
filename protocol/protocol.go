// Package protocol implements the wire codec for requests and replies:
// length-prefixed request frames carrying an argument vector, and a
// tagged-value reply encoding that can recursively nest arrays.
//
// Request frame:
//
//	[u32 total_len][u32 nargs]{[u32 len][bytes]}*
//
// Reply payload, one tagged value:
//
//	tag 0 Nil  -> (no trailer)
//	tag 1 Err  -> [i32 code][u32 len][bytes]
//	tag 2 Str  -> [u32 len][bytes]
//	tag 3 Int  -> [i64]
//	tag 4 Arr  -> [u32 n]{value}*
//	tag 5 Dbl  -> [f64, IEEE-754 bit pattern]
//
// Every multi-byte integer on the wire is little-endian.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// MaxMessageSize bounds both a request frame's total_len and a reply's
// payload_len.
const MaxMessageSize = 4096

// MaxArgs bounds the number of arguments in one request.
const MaxArgs = 16

const (
	tagNil = 0
	tagErr = 1
	tagStr = 2
	tagInt = 3
	tagArr = 4
	tagDbl = 5
)

// ErrMessageTooLarge is returned when a request's declared length exceeds
// MaxMessageSize.
var ErrMessageTooLarge = errors.New("protocol: message too large")

// ErrTooManyArgs is returned when a request declares more than MaxArgs
// arguments.
var ErrTooManyArgs = errors.New("protocol: too many arguments")

// ErrMalformed is returned when a request frame's argument lengths don't
// line up with its declared total length.
var ErrMalformed = errors.New("protocol: malformed request")

// FrameLen inspects the first 4 bytes of buf (a length prefix) and
// reports the number of bytes total_len declares follow it. It returns
// false if buf doesn't yet contain the length prefix.
func FrameLen(buf []byte) (total uint32, ok bool) {
	if len(buf) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(buf), true
}

// ParseRequest decodes the nargs+argument-vector body of a request frame
// (buf must be exactly total_len bytes, i.e. the length prefix already
// stripped). It returns the decoded arguments.
func ParseRequest(buf []byte) ([][]byte, error) {
	if uint32(len(buf)) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	if len(buf) < 4 {
		return nil, ErrMalformed
	}
	nargs := binary.LittleEndian.Uint32(buf)
	buf = buf[4:]
	if nargs > MaxArgs {
		return nil, ErrTooManyArgs
	}

	args := make([][]byte, 0, nargs)
	for i := uint32(0); i < nargs; i++ {
		if len(buf) < 4 {
			return nil, ErrMalformed
		}
		n := binary.LittleEndian.Uint32(buf)
		buf = buf[4:]
		if uint64(n) > uint64(len(buf)) {
			return nil, ErrMalformed
		}
		args = append(args, buf[:n])
		buf = buf[n:]
	}
	if len(buf) != 0 {
		return nil, ErrMalformed
	}
	return args, nil
}

// Value is a reply value: a tagged tree that AppendTo serializes using
// the encoding documented at the top of this package.
type Value struct {
	tag  byte
	str  string
	i    int64
	d    float64
	errc int32
	arr  []Value
}

// Nil builds a nil reply value.
func Nil() Value { return Value{tag: tagNil} }

// Str builds a string reply value.
func Str(s string) Value { return Value{tag: tagStr, str: s} }

// Int builds an integer reply value.
func Int(i int64) Value { return Value{tag: tagInt, i: i} }

// Dbl builds a floating-point reply value.
func Dbl(f float64) Value { return Value{tag: tagDbl, d: f} }

// Err builds an error reply value with an application error code.
func Err(code int32, msg string) Value { return Value{tag: tagErr, errc: code, str: msg} }

// Arr builds an array reply value from its elements.
func Arr(vs ...Value) Value { return Value{tag: tagArr, arr: vs} }

// AppendTo serializes v onto dst and returns the extended slice.
func (v Value) AppendTo(dst []byte) []byte {
	dst = append(dst, v.tag)
	switch v.tag {
	case tagNil:
	case tagStr:
		dst = appendU32(dst, uint32(len(v.str)))
		dst = append(dst, v.str...)
	case tagInt:
		dst = appendI64(dst, v.i)
	case tagDbl:
		dst = appendU64(dst, math.Float64bits(v.d))
	case tagErr:
		dst = appendI32(dst, v.errc)
		dst = appendU32(dst, uint32(len(v.str)))
		dst = append(dst, v.str...)
	case tagArr:
		dst = appendU32(dst, uint32(len(v.arr)))
		for _, e := range v.arr {
			dst = e.AppendTo(dst)
		}
	}
	return dst
}

// EncodeReply serializes v as a complete reply frame (length prefix plus
// payload). If the payload would exceed MaxMessageSize, it substitutes a
// "response is too big" error reply instead.
func EncodeReply(v Value) []byte {
	payload := v.AppendTo(nil)
	if len(payload) > MaxMessageSize {
		payload = Err(1, "response is too big").AppendTo(nil)
	}
	out := make([]byte, 4, 4+len(payload))
	binary.LittleEndian.PutUint32(out, uint32(len(payload)))
	return append(out, payload...)
}

func appendU32(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func appendI32(dst []byte, v int32) []byte {
	return appendU32(dst, uint32(v))
}

func appendU64(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func appendI64(dst []byte, v int64) []byte {
	return appendU64(dst, uint64(v))
}

// Tag identifies which variant a decoded Value holds.
type Tag = byte

// Tag constants for inspecting a decoded Value from client code.
const (
	TagNil = tagNil
	TagErr = tagErr
	TagStr = tagStr
	TagInt = tagInt
	TagArr = tagArr
	TagDbl = tagDbl
)

// Tag reports which variant v holds.
func (v Value) Tag() Tag { return v.tag }

// AsStr reports v's string payload (valid for TagStr and TagErr).
func (v Value) AsStr() string { return v.str }

// AsInt reports v's integer payload (valid for TagInt).
func (v Value) AsInt() int64 { return v.i }

// AsDbl reports v's float payload (valid for TagDbl).
func (v Value) AsDbl() float64 { return v.d }

// ErrCode reports v's application error code (valid for TagErr).
func (v Value) ErrCode() int32 { return v.errc }

// Elems reports v's nested elements (valid for TagArr).
func (v Value) Elems() []Value { return v.arr }

// DecodeValue parses one tagged value from buf and returns it along with
// the remaining, unconsumed bytes.
func DecodeValue(buf []byte) (Value, []byte, error) {
	if len(buf) < 1 {
		return Value{}, nil, ErrMalformed
	}
	tag, buf := buf[0], buf[1:]
	switch tag {
	case tagNil:
		return Value{tag: tagNil}, buf, nil
	case tagStr:
		s, rest, err := decodeLenPrefixed(buf)
		if err != nil {
			return Value{}, nil, err
		}
		return Str(s), rest, nil
	case tagInt:
		if len(buf) < 8 {
			return Value{}, nil, ErrMalformed
		}
		return Int(int64(binary.LittleEndian.Uint64(buf))), buf[8:], nil
	case tagDbl:
		if len(buf) < 8 {
			return Value{}, nil, ErrMalformed
		}
		bits := binary.LittleEndian.Uint64(buf)
		return Dbl(math.Float64frombits(bits)), buf[8:], nil
	case tagErr:
		if len(buf) < 4 {
			return Value{}, nil, ErrMalformed
		}
		code := int32(binary.LittleEndian.Uint32(buf))
		s, rest, err := decodeLenPrefixed(buf[4:])
		if err != nil {
			return Value{}, nil, err
		}
		return Err(code, s), rest, nil
	case tagArr:
		if len(buf) < 4 {
			return Value{}, nil, ErrMalformed
		}
		n := binary.LittleEndian.Uint32(buf)
		buf = buf[4:]
		elems := make([]Value, 0, n)
		for i := uint32(0); i < n; i++ {
			var v Value
			var err error
			v, buf, err = DecodeValue(buf)
			if err != nil {
				return Value{}, nil, err
			}
			elems = append(elems, v)
		}
		return Arr(elems...), buf, nil
	default:
		return Value{}, nil, fmt.Errorf("protocol: unknown tag %d", tag)
	}
}

func decodeLenPrefixed(buf []byte) (string, []byte, error) {
	if len(buf) < 4 {
		return "", nil, ErrMalformed
	}
	n := binary.LittleEndian.Uint32(buf)
	buf = buf[4:]
	if uint64(n) > uint64(len(buf)) {
		return "", nil, ErrMalformed
	}
	return string(buf[:n]), buf[n:], nil
}

// EncodeRequest builds a request frame for args, for use by a client.
func EncodeRequest(args ...string) ([]byte, error) {
	if len(args) > MaxArgs {
		return nil, fmt.Errorf("protocol: %d args exceeds max of %d", len(args), MaxArgs)
	}
	body := appendU32(nil, uint32(len(args)))
	for _, a := range args {
		body = appendU32(body, uint32(len(a)))
		body = append(body, a...)
	}
	if len(body) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	out := appendU32(nil, uint32(len(body)))
	return append(out, body...), nil
}
