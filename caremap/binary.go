// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package caremap

import (
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/siderolabs/go-updateverify/rangeset"
)

// Binary care maps are the protobuf wire encoding of the message emitted by
// the update packaging tools:
//
//	message CareMap {
//	  message PartitionInfo {
//	    string name        = 1;
//	    string ranges      = 2;
//	    string id          = 3;
//	    string fingerprint = 4;
//	  }
//
//	  repeated PartitionInfo partitions = 1;
//	}
const (
	careMapFieldPartitions = 1

	partitionFieldName        = 1
	partitionFieldRanges      = 2
	partitionFieldID          = 3
	partitionFieldFingerprint = 4
)

// PartitionInfo is a single partition descriptor of a binary care map.
type PartitionInfo struct {
	// Name of the partition, without the slot suffix.
	Name string
	// Ranges is the textual range set encoding of the blocks to verify.
	Ranges string
	// ID is the property name the fingerprint was read from, when recorded.
	ID string
	// Fingerprint is the build fingerprint the care map was generated for.
	Fingerprint string
}

// DecodeBinary decodes the wire form of a binary care map into its partition
// descriptors without validating them.
func DecodeBinary(content []byte) ([]PartitionInfo, error) {
	var infos []PartitionInfo

	for len(content) > 0 {
		num, typ, n := protowire.ConsumeTag(content)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}

		content = content[n:]

		if num == careMapFieldPartitions && typ == protowire.BytesType {
			value, n := protowire.ConsumeBytes(content)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}

			info, err := decodePartitionInfo(value)
			if err != nil {
				return nil, err
			}

			infos = append(infos, info)

			content = content[n:]

			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, content)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}

		content = content[n:]
	}

	return infos, nil
}

func decodePartitionInfo(b []byte) (PartitionInfo, error) {
	var info PartitionInfo

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return info, protowire.ParseError(n)
		}

		b = b[n:]

		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return info, protowire.ParseError(n)
			}

			b = b[n:]

			continue
		}

		value, n := protowire.ConsumeString(b)
		if n < 0 {
			return info, protowire.ParseError(n)
		}

		b = b[n:]

		switch num {
		case partitionFieldName:
			info.Name = value
		case partitionFieldRanges:
			info.Ranges = value
		case partitionFieldID:
			info.ID = value
		case partitionFieldFingerprint:
			info.Fingerprint = value
		}
	}

	return info, nil
}

func parseBinary(content []byte, logger *zap.Logger) (Manifest, error) {
	infos, err := DecodeBinary(content)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, err)
	}

	if len(infos) == 0 {
		return nil, fmt.Errorf("%w: no partitions", ErrMalformed)
	}

	manifest := make(Manifest, len(infos))

	for _, info := range infos {
		if info.Name == "" {
			return nil, fmt.Errorf("%w: partition with empty name", ErrMalformed)
		}

		ranges, err := rangeset.Parse(info.Ranges)
		if err != nil {
			return nil, fmt.Errorf("%w: bad ranges for partition %q: %s", ErrMalformed, info.Name, err)
		}

		if ranges.IsEmpty() {
			return nil, fmt.Errorf("%w: no ranges for partition %q", ErrMalformed, info.Name)
		}

		logger.Debug("care map partition",
			zap.String("name", info.Name),
			zap.Uint64("blocks", ranges.BlockCount()),
			zap.String("id", info.ID),
			zap.String("fingerprint", info.Fingerprint),
		)

		manifest[info.Name] = ranges
	}

	return manifest, nil
}
