package records

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// BuildSequenceExample serializes a SequenceExample carrying the given image
// bytes under imageFeature and the caption(s) as int64 feature lists. It is
// the inverse of ParseSequenceExample and is used to generate shards for
// tests and tooling. flipCaption is omitted when flipCaptionFeature is empty.
func BuildSequenceExample(imageFeature string, image []byte,
	captionFeature string, caption []int64,
	flipCaptionFeature string, flipCaption []int64) []byte {

	context := appendMapEntry(nil, featuresMapField, imageFeature, appendBytesFeature(nil, image))

	featureLists := appendMapEntry(nil, featureListsMap, captionFeature, appendInt64FeatureList(nil, caption))
	if flipCaptionFeature != "" {
		featureLists = appendMapEntry(featureLists, featureListsMap, flipCaptionFeature,
			appendInt64FeatureList(nil, flipCaption))
	}

	var buf []byte
	buf = protowire.AppendTag(buf, seqExampleContextField, protowire.BytesType)
	buf = protowire.AppendBytes(buf, context)
	buf = protowire.AppendTag(buf, seqExampleFeatureListsField, protowire.BytesType)
	buf = protowire.AppendBytes(buf, featureLists)
	return buf
}

// appendMapEntry appends one map<string, message> entry field.
func appendMapEntry(buf []byte, field protowire.Number, key string, value []byte) []byte {
	var entry []byte
	entry = protowire.AppendTag(entry, mapEntryKeyField, protowire.BytesType)
	entry = protowire.AppendString(entry, key)
	entry = protowire.AppendTag(entry, mapEntryValueField, protowire.BytesType)
	entry = protowire.AppendBytes(entry, value)
	buf = protowire.AppendTag(buf, field, protowire.BytesType)
	return protowire.AppendBytes(buf, entry)
}

// appendBytesFeature appends a Feature message holding one bytes_list value.
func appendBytesFeature(buf []byte, data []byte) []byte {
	var list []byte
	list = protowire.AppendTag(list, listValueField, protowire.BytesType)
	list = protowire.AppendBytes(list, data)
	buf = protowire.AppendTag(buf, featureBytesListField, protowire.BytesType)
	return protowire.AppendBytes(buf, list)
}

// appendInt64Feature appends a Feature message holding one int64_list value.
func appendInt64Feature(buf []byte, value int64) []byte {
	var list []byte
	list = protowire.AppendTag(list, listValueField, protowire.VarintType)
	list = protowire.AppendVarint(list, uint64(value))
	buf = protowire.AppendTag(buf, featureInt64ListField, protowire.BytesType)
	return protowire.AppendBytes(buf, list)
}

// appendInt64FeatureList appends a FeatureList with one single-value Feature
// per timestep, the layout the upstream data generation emits for captions.
func appendInt64FeatureList(buf []byte, values []int64) []byte {
	var featureList []byte
	for _, v := range values {
		featureList = protowire.AppendTag(featureList, featureListFeatures, protowire.BytesType)
		featureList = protowire.AppendBytes(featureList, appendInt64Feature(nil, v))
	}
	return append(buf, featureList...)
}
