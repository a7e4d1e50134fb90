// Package hdf5io implements event.HitReader/event.EventWriter/
// event.EventReader against HDF5 files via github.com/next-exp/hdf5-go.
// Grounded on the teacher's pkg/hdf5.go (dataset/table creation, resizable
// extendible arrays) and pkg/writer.go (Writer lifecycle, joined-error
// Close).
package hdf5io

import (
	"encoding/json"
	"fmt"

	hdf5 "github.com/next-exp/hdf5-go"
)

// Algorithm names an hdf5-go Blosc codec, adapted from the teacher's
// BloscAlgorithm (pkg/blosc_config.go) for use in this package's
// CompressionOptions.
type Algorithm struct {
	Name string
	Code hdf5.BloscFilter
}

var algorithmsByName = map[string]hdf5.BloscFilter{
	"blosclz": hdf5.BLOSC_BLOSCLZ,
	"lz4":     hdf5.BLOSC_LZ4,
	"lz4hc":   hdf5.BLOSC_LZ4HC,
	"snappy":  hdf5.BLOSC_SNAPPY,
	"zlib":    hdf5.BLOSC_ZLIB,
	"zstd":    hdf5.BLOSC_ZSTD,
}

// ParseAlgorithm resolves a Blosc codec name, defaulting to zstd.
func ParseAlgorithm(name string) (Algorithm, error) {
	if name == "" {
		name = "zstd"
	}
	code, ok := algorithmsByName[name]
	if !ok {
		return Algorithm{}, fmt.Errorf("hdf5io: unknown blosc algorithm %q", name)
	}
	return Algorithm{Name: name, Code: code}, nil
}

// CompressionOptions controls how output datasets are chunked and
// compressed, adapted from the teacher's Configuration.UseBlosc /
// BloscAlgorithm / BloscShuffle / CompressionLevel fields.
type CompressionOptions struct {
	UseBlosc         bool
	Algorithm        Algorithm
	Shuffle          hdf5.BloscShuffle
	CompressionLevel int
	ChunkRows        uint
}

// DefaultCompressionOptions mirrors the teacher's fallback of plain
// deflate at a moderate level when Blosc is not requested.
func DefaultCompressionOptions() CompressionOptions {
	zstd, _ := ParseAlgorithm("zstd")
	return CompressionOptions{
		UseBlosc:         false,
		Algorithm:        zstd,
		Shuffle:          hdf5.BLOSC_SHUFFLE,
		CompressionLevel: 4,
		ChunkRows:        32768,
	}
}

// newTablePropList builds the dataset-creation property list for a 1-D,
// row-extendible table, mirroring pkg/hdf5.go's createTable.
func newTablePropList(opts CompressionOptions) (*hdf5.PropList, error) {
	plist, err := hdf5.NewPropList(hdf5.P_DATASET_CREATE)
	if err != nil {
		return nil, err
	}
	if err := plist.SetChunk([]uint{opts.ChunkRows}); err != nil {
		return nil, err
	}
	if opts.UseBlosc {
		if err := hdf5.ConfigureBloscFilter(plist, opts.Algorithm.Code, opts.CompressionLevel, opts.Shuffle); err != nil {
			return nil, err
		}
	} else if err := plist.SetDeflate(opts.CompressionLevel); err != nil {
		return nil, err
	}
	return plist, nil
}

// marshalTags encodes v as a JSON string, used to store the
// variable-length Counters/Flags maps as a single string column.
func marshalTags(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
