package od

import (
	"encoding/binary"
	"math"
	"strconv"
)

// EncodeFromString parses an EDS value string into bytes honoring its
// CANopen DataType. offset is added to integer types. ParseEDS passes zero:
// a node-ID-relative default value is stored without the node-ID and
// marked with FlagNodeID, and ReadValue adds the node-ID on read.
func EncodeFromString(value string, datatype DataType, offset uint8) ([]byte, error) {
	var data []byte
	var err error
	var parsedInt int64
	var parsedUint uint64

	if value == "" {
		value = "0"
	}

	switch datatype {
	case Boolean, Unsigned8:
		parsedUint, err = strconv.ParseUint(value, 0, 8)
		data = []byte{byte(uint8(parsedUint) + offset)}

	case Integer8:
		parsedInt, err = strconv.ParseInt(value, 0, 8)
		data = []byte{byte(parsedInt + int64(offset))}

	case Unsigned16:
		parsedUint, err = strconv.ParseUint(value, 0, 16)
		data = make([]byte, 2)
		binary.LittleEndian.PutUint16(data, uint16(parsedUint)+uint16(offset))

	case Integer16:
		parsedInt, err = strconv.ParseInt(value, 0, 16)
		data = make([]byte, 2)
		binary.LittleEndian.PutUint16(data, uint16(parsedInt+int64(offset)))

	case Unsigned32:
		parsedUint, err = strconv.ParseUint(value, 0, 32)
		data = make([]byte, 4)
		binary.LittleEndian.PutUint32(data, uint32(parsedUint)+uint32(offset))

	case Integer32:
		parsedInt, err = strconv.ParseInt(value, 0, 32)
		data = make([]byte, 4)
		binary.LittleEndian.PutUint32(data, uint32(parsedInt+int64(offset)))

	case Real32:
		var parsedFloat float64
		parsedFloat, err = strconv.ParseFloat(value, 32)
		data = make([]byte, 4)
		binary.LittleEndian.PutUint32(data, math.Float32bits(float32(parsedFloat)))

	case Unsigned64:
		parsedUint, err = strconv.ParseUint(value, 0, 64)
		data = make([]byte, 8)
		binary.LittleEndian.PutUint64(data, parsedUint+uint64(offset))

	case Integer64:
		parsedInt, err = strconv.ParseInt(value, 0, 64)
		data = make([]byte, 8)
		binary.LittleEndian.PutUint64(data, uint64(parsedInt+int64(offset)))

	case Real64:
		var parsedFloat float64
		parsedFloat, err = strconv.ParseFloat(value, 64)
		data = make([]byte, 8)
		binary.LittleEndian.PutUint64(data, math.Float64bits(parsedFloat))

	case VisibleString, OctetString, UnicodeString:
		return []byte(value), nil

	case Domain:
		return []byte{}, nil

	default:
		return nil, ErrTypeMismatch
	}
	return data, err
}

// EncodeFromGeneric encodes a Go scalar, string or []byte to its
// little-endian wire form, inferring the CANopen DataType from the
// concrete Go type rather than being told it.
func EncodeFromGeneric(data any) ([]byte, error) {
	switch val := data.(type) {
	case uint8:
		return []byte{val}, nil
	case int8:
		return []byte{byte(val)}, nil
	case uint16:
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, val)
		return b, nil
	case int16:
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, uint16(val))
		return b, nil
	case uint32:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, val)
		return b, nil
	case int32:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(val))
		return b, nil
	case uint64:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, val)
		return b, nil
	case int64:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, uint64(val))
		return b, nil
	case float32:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, math.Float32bits(val))
		return b, nil
	case float64:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, math.Float64bits(val))
		return b, nil
	case string:
		return []byte(val), nil
	case []byte:
		return val, nil
	default:
		return nil, ErrTypeMismatch
	}
}

// CheckSize validates that length matches the fixed encoded size
// datatype implies. Variable-length datatypes (VisibleString, OctetString,
// UnicodeString, Domain) accept any length.
func CheckSize(length int, datatype DataType) error {
	want, fixed := datatype.FixedSize()
	if !fixed {
		return nil
	}
	if length < want {
		return ErrDataShort
	}
	if length > want {
		return ErrDataLong
	}
	return nil
}

// DecodeToType decodes data per datatype, returning a uint64/int64/float64/
// string according to the CANopen type family rather than its exact width —
// convenient for generic display and comparison code that doesn't care
// whether a value is 16 or 32 bits wide.
func DecodeToType(data []byte, datatype DataType) (any, error) {
	if err := CheckSize(len(data), datatype); err != nil {
		return nil, err
	}
	switch datatype {
	case Boolean, Unsigned8:
		return uint64(data[0]), nil
	case Integer8:
		return int64(int8(data[0])), nil
	case Unsigned16:
		return uint64(binary.LittleEndian.Uint16(data)), nil
	case Integer16:
		return int64(int16(binary.LittleEndian.Uint16(data))), nil
	case Unsigned32:
		return uint64(binary.LittleEndian.Uint32(data)), nil
	case Integer32:
		return int64(int32(binary.LittleEndian.Uint32(data))), nil
	case Unsigned64:
		return binary.LittleEndian.Uint64(data), nil
	case Integer64:
		return int64(binary.LittleEndian.Uint64(data)), nil
	case Real32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(data))), nil
	case Real64:
		return math.Float64frombits(binary.LittleEndian.Uint64(data)), nil
	case VisibleString, OctetString, UnicodeString:
		return string(data), nil
	case Domain:
		return int64(0), nil
	default:
		return nil, ErrTypeMismatch
	}
}

// DecodeToTypeExact decodes data per datatype into its exact Go type
// (uint8, int16, float32, ...) rather than DecodeToType's widened family
// type.
func DecodeToTypeExact(data []byte, datatype DataType) (any, error) {
	if err := CheckSize(len(data), datatype); err != nil {
		return nil, err
	}
	switch datatype {
	case Boolean, Unsigned8:
		return data[0], nil
	case Integer8:
		return int8(data[0]), nil
	case Unsigned16:
		return binary.LittleEndian.Uint16(data), nil
	case Integer16:
		return int16(binary.LittleEndian.Uint16(data)), nil
	case Unsigned32:
		return binary.LittleEndian.Uint32(data), nil
	case Integer32:
		return int32(binary.LittleEndian.Uint32(data)), nil
	case Unsigned64:
		return binary.LittleEndian.Uint64(data), nil
	case Integer64:
		return int64(binary.LittleEndian.Uint64(data)), nil
	case Real32:
		return math.Float32frombits(binary.LittleEndian.Uint32(data)), nil
	case Real64:
		return math.Float64frombits(binary.LittleEndian.Uint64(data)), nil
	case VisibleString, OctetString, UnicodeString:
		return string(data), nil
	case Domain:
		return int64(0), nil
	default:
		return nil, ErrTypeMismatch
	}
}

// DecodeToString renders data as a string in the given numeric base,
// for diagnostics.
func DecodeToString(data []byte, datatype DataType, base int) (string, error) {
	if err := CheckSize(len(data), datatype); err != nil {
		return "", err
	}
	switch datatype {
	case Boolean, Unsigned8:
		return strconv.FormatUint(uint64(data[0]), base), nil
	case Integer8:
		return strconv.FormatInt(int64(int8(data[0])), base), nil
	case Unsigned16:
		return strconv.FormatUint(uint64(binary.LittleEndian.Uint16(data)), base), nil
	case Integer16:
		return strconv.FormatInt(int64(int16(binary.LittleEndian.Uint16(data))), base), nil
	case Unsigned32:
		return strconv.FormatUint(uint64(binary.LittleEndian.Uint32(data)), base), nil
	case Integer32:
		return strconv.FormatInt(int64(int32(binary.LittleEndian.Uint32(data))), base), nil
	case Unsigned64:
		return strconv.FormatUint(binary.LittleEndian.Uint64(data), base), nil
	case Integer64:
		return strconv.FormatInt(int64(binary.LittleEndian.Uint64(data)), base), nil
	case Real32:
		return strconv.FormatFloat(float64(math.Float32frombits(binary.LittleEndian.Uint32(data))), 'f', -1, 64), nil
	case Real64:
		return strconv.FormatFloat(math.Float64frombits(binary.LittleEndian.Uint64(data)), 'f', -1, 64), nil
	case VisibleString, OctetString, UnicodeString:
		return string(data), nil
	case Domain:
		return "0", nil
	default:
		return "", ErrTypeMismatch
	}
}
