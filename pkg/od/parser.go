package od

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

var (
	matchIndexSection    = regexp.MustCompile(`^[0-9A-Fa-f]{4}$`)
	matchSubindexSection = regexp.MustCompile(`^([0-9A-Fa-f]{4})[Ss]ub([0-9A-Fa-f]+)$`)
	nodeIDPlaceholder    = regexp.MustCompile(`\+?\$NODEID\+?`)
)

// CANopen EDS object types, the ObjectType key of an index section.
const (
	objectTypeDomain uint64 = 2
	objectTypeVar    uint64 = 7
	objectTypeArray  uint64 = 8
	objectTypeRecord uint64 = 9
)

// ParseEDS builds a Dictionary from Electronic Data Sheet content (the
// dynamic-build phase), for the given node-ID. Index sections with
// ObjectType VAR or DOMAIN become single entries; ARRAY and RECORD
// sections' "<index>sub<n>" children become entries at that subindex.
// Any DefaultValue containing "$NODEID" is parsed without the placeholder
// and the entry's Key carries FlagNodeID, so Dictionary.ReadValue reports
// the absolute value for this node.
func ParseEDS(data []byte, nodeID uint8) (*Dictionary, error) {
	file, err := ini.Load(data)
	if err != nil {
		return nil, fmt.Errorf("od: parse EDS: %w", err)
	}

	dict := New(nodeID)
	for _, section := range file.Sections() {
		name := section.Name()

		if matchIndexSection.MatchString(name) {
			idx, err := strconv.ParseUint(name, 16, 16)
			if err != nil {
				return nil, err
			}
			if err := addIndexSection(dict, section, uint16(idx), nodeID); err != nil {
				return nil, fmt.Errorf("od: index %s: %w", name, err)
			}
			continue
		}

		if m := matchSubindexSection.FindStringSubmatch(name); m != nil {
			idx, err := strconv.ParseUint(m[1], 16, 16)
			if err != nil {
				return nil, err
			}
			sub, err := strconv.ParseUint(m[2], 16, 8)
			if err != nil {
				return nil, err
			}
			if err := addSubindexSection(dict, section, uint16(idx), uint8(sub), nodeID); err != nil {
				return nil, fmt.Errorf("od: subindex %s: %w", name, err)
			}
		}
	}
	return dict, nil
}

func addIndexSection(dict *Dictionary, section *ini.Section, index uint16, nodeID uint8) error {
	objType := objectTypeVar
	if key, err := section.GetKey("ObjectType"); err == nil {
		v, err := strconv.ParseUint(strings.TrimSpace(key.Value()), 0, 8)
		if err != nil {
			return fmt.Errorf("ObjectType: %w", err)
		}
		objType = v
	}

	switch objType {
	case objectTypeVar, objectTypeDomain:
		entry, err := entryFromSection(section, index, 0, nodeID)
		if err != nil {
			return err
		}
		return dict.Add(entry)
	case objectTypeArray, objectTypeRecord:
		// The index section for ARRAY/RECORD only declares the container;
		// its members arrive as separate "<index>subN" sections.
		return nil
	default:
		return fmt.Errorf("unknown ObjectType %d", objType)
	}
}

func addSubindexSection(dict *Dictionary, section *ini.Section, index uint16, subindex uint8, nodeID uint8) error {
	entry, err := entryFromSection(section, index, subindex, nodeID)
	if err != nil {
		return err
	}
	return dict.Add(entry)
}

func entryFromSection(section *ini.Section, index uint16, subindex uint8, nodeID uint8) (*Entry, error) {
	name := section.Key("ParameterName").String()

	dataTypeStr := strings.TrimSpace(section.Key("DataType").Value())
	if dataTypeStr == "" {
		return nil, fmt.Errorf("missing DataType")
	}
	dataTypeVal, err := strconv.ParseUint(dataTypeStr, 0, 8)
	if err != nil {
		return nil, fmt.Errorf("DataType: %w", err)
	}
	datatype := DataType(dataTypeVal)

	flags := accessFlags(section)
	if datatype.Signed() {
		flags |= FlagSigned
	}
	if size, fixed := datatype.FixedSize(); fixed {
		switch size {
		case 2:
			flags |= FlagSize2
		case 4:
			flags |= FlagSize4
		case 8:
			flags |= FlagSize8
		}
	}

	defaultValue := section.Key("DefaultValue").Value()
	relative := strings.Contains(defaultValue, "$NODEID")
	offset := uint8(0)
	if relative {
		defaultValue = nodeIDPlaceholder.ReplaceAllString(defaultValue, "")
		flags |= FlagNodeID
	}

	value, err := EncodeFromString(defaultValue, datatype, offset)
	if err != nil {
		return nil, fmt.Errorf("DefaultValue: %w", err)
	}

	entry := &Entry{
		Key:  MakeKey(index, subindex, flags),
		Name: name,
	}
	if _, fixed := datatype.FixedSize(); !fixed {
		entry.Type = Bytes
	}
	if err := dictWrite(entry, value); err != nil {
		return nil, err
	}
	return entry, nil
}

// dictWrite stores value directly into a freshly built entry's backing
// bytes, bypassing access-flag checks that only make sense once the
// dictionary is in use (an entry may be parsed as read-only yet still
// needs its default value written once at build time).
func dictWrite(e *Entry, value []byte) error {
	if e.Type != nil {
		return e.Type.Write(e, value, 0)
	}
	e.data = append([]byte(nil), value...)
	return nil
}

func accessFlags(section *ini.Section) uint8 {
	var flags uint8
	switch strings.ToLower(strings.TrimSpace(section.Key("AccessType").Value())) {
	case "ro", "const":
		flags = FlagRead
	case "wo":
		flags = FlagWrite
	default:
		flags = FlagRW
	}
	if section.Key("PDOMapping").Value() == "1" {
		flags |= FlagPDOMap
	}
	return flags
}
