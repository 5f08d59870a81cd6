package records

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Example is one decoded caption record: the encoded image bytes plus one or
// two integer token sequences. FlipCaption is nil unless a flip-caption
// feature name was requested at parse time.
type Example struct {
	Image       []byte
	Caption     []int64
	FlipCaption []int64
}

// Field numbers of the tensorflow.SequenceExample message tree. Only the
// subset needed by the pipeline is decoded; unknown fields are skipped.
const (
	seqExampleContextField      = 1 // Features
	seqExampleFeatureListsField = 2 // FeatureLists

	featuresMapField    = 1 // map<string, Feature>
	featureListsMap     = 1 // map<string, FeatureList>
	mapEntryKeyField    = 1
	mapEntryValueField  = 2
	featureListFeatures = 1 // repeated Feature

	featureBytesListField = 1
	featureInt64ListField = 3
	listValueField        = 1
)

// ParseSequenceExample decodes one serialized SequenceExample and extracts the
// image context feature and the caption feature list(s). flipCaptionFeature
// may be empty, in which case Example.FlipCaption is left nil.
//
// A record missing a requested feature, or whose wire encoding is malformed,
// returns an error: malformed shards indicate an upstream data-generation bug
// and the caller is expected to treat this as fatal.
func ParseSequenceExample(raw []byte, imageFeature, captionFeature, flipCaptionFeature string) (*Example, error) {
	var context, featureLists []byte
	if err := eachField(raw, func(num protowire.Number, value []byte) error {
		switch num {
		case seqExampleContextField:
			context = value
		case seqExampleFeatureListsField:
			featureLists = value
		}
		return nil
	}); err != nil {
		return nil, errors.Wrap(err, "malformed SequenceExample")
	}

	ex := &Example{}
	var err error
	ex.Image, err = contextBytesFeature(context, imageFeature)
	if err != nil {
		return nil, err
	}
	ex.Caption, err = int64FeatureList(featureLists, captionFeature)
	if err != nil {
		return nil, err
	}
	if flipCaptionFeature != "" {
		ex.FlipCaption, err = int64FeatureList(featureLists, flipCaptionFeature)
		if err != nil {
			return nil, err
		}
	}
	return ex, nil
}

// eachField walks the top level of one message, handing every length-delimited
// field to fn and skipping everything else.
func eachField(buf []byte, fn func(num protowire.Number, value []byte) error) error {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return protowire.ParseError(n)
		}
		buf = buf[n:]
		if typ == protowire.BytesType {
			value, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return protowire.ParseError(n)
			}
			buf = buf[n:]
			if err := fn(num, value); err != nil {
				return err
			}
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, buf)
		if n < 0 {
			return protowire.ParseError(n)
		}
		buf = buf[n:]
	}
	return nil
}

// mapEntry decodes one map<string, message> entry into its key and value.
func mapEntry(entry []byte) (key string, value []byte, err error) {
	err = eachField(entry, func(num protowire.Number, v []byte) error {
		switch num {
		case mapEntryKeyField:
			key = string(v)
		case mapEntryValueField:
			value = v
		}
		return nil
	})
	return
}

// contextBytesFeature finds the named feature in a Features message and
// returns the first value of its bytes list.
func contextBytesFeature(features []byte, name string) ([]byte, error) {
	var found []byte
	err := eachField(features, func(num protowire.Number, entry []byte) error {
		if num != featuresMapField {
			return nil
		}
		key, value, err := mapEntry(entry)
		if err != nil {
			return err
		}
		if key == name {
			found, err = featureBytes(value)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "malformed context feature %q", name)
	}
	if found == nil {
		return nil, errors.Errorf("record has no byte-string context feature %q", name)
	}
	return found, nil
}

// featureBytes extracts the first bytes_list value of one Feature message.
func featureBytes(feature []byte) ([]byte, error) {
	var data []byte
	err := eachField(feature, func(num protowire.Number, list []byte) error {
		if num != featureBytesListField || data != nil {
			return nil
		}
		return eachField(list, func(num protowire.Number, value []byte) error {
			if num == listValueField && data == nil {
				data = value
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, errors.New("feature holds no bytes list")
	}
	return data, nil
}

// int64FeatureList finds the named feature list and flattens it into the
// sequence of int64 values, one per timestep.
func int64FeatureList(featureLists []byte, name string) ([]int64, error) {
	var values []int64
	found := false
	err := eachField(featureLists, func(num protowire.Number, entry []byte) error {
		if num != featureListsMap {
			return nil
		}
		key, value, err := mapEntry(entry)
		if err != nil {
			return err
		}
		if key != name {
			return nil
		}
		found = true
		// value is a FeatureList: repeated Feature, each carrying an
		// Int64List with the token(s) of that timestep.
		return eachField(value, func(num protowire.Number, feature []byte) error {
			if num != featureListFeatures {
				return nil
			}
			tokens, err := featureInt64s(feature)
			if err != nil {
				return err
			}
			values = append(values, tokens...)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrapf(err, "malformed feature list %q", name)
	}
	if !found {
		return nil, errors.Errorf("record has no integer feature list %q", name)
	}
	return values, nil
}

// featureInt64s extracts all int64_list values of one Feature message. Both
// packed and unpacked encodings are accepted.
func featureInt64s(feature []byte) ([]int64, error) {
	var tokens []int64
	err := eachField(feature, func(num protowire.Number, list []byte) error {
		if num != featureInt64ListField {
			return nil
		}
		for len(list) > 0 {
			num, typ, n := protowire.ConsumeTag(list)
			if n < 0 {
				return protowire.ParseError(n)
			}
			list = list[n:]
			switch {
			case num == listValueField && typ == protowire.VarintType:
				v, n := protowire.ConsumeVarint(list)
				if n < 0 {
					return protowire.ParseError(n)
				}
				list = list[n:]
				tokens = append(tokens, int64(v))
			case num == listValueField && typ == protowire.BytesType:
				packed, n := protowire.ConsumeBytes(list)
				if n < 0 {
					return protowire.ParseError(n)
				}
				list = list[n:]
				for len(packed) > 0 {
					v, n := protowire.ConsumeVarint(packed)
					if n < 0 {
						return protowire.ParseError(n)
					}
					packed = packed[n:]
					tokens = append(tokens, int64(v))
				}
			default:
				n = protowire.ConsumeFieldValue(num, typ, list)
				if n < 0 {
					return protowire.ParseError(n)
				}
				list = list[n:]
			}
		}
		return nil
	})
	return tokens, err
}
