package flowcell

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// DefaultMinReadLength is the shortest data read the aligner accepts.
const DefaultMinReadLength = 32

// ParsedUseBasesMask is the result of applying a use-bases-mask to the
// reads of a flowcell.
type ParsedUseBasesMask struct {
	DataReads  ReadMetadataList
	IndexReads ReadMetadataList
}

// ExpandUseBasesMask expands the compact use-bases-mask into one string per
// read, containing one symbol ('y', 'n' or 'i') per cycle.
//
// The mask is a comma-separated list of per-read masks. Each per-read mask is
// a sequence of symbols y (data), n (skip) and i (index), case insensitive,
// each optionally followed by a repeat count or by '*', which repeats the
// symbol until the end of the read. For example, with read lengths
// [101,8,101], "y*,i8,y100n" expands to 101 'y's, 8 'i's, then 100 'y's and
// one 'n'.
func ExpandUseBasesMask(readLengths []int, useBasesMask, baseCallsDir string) ([]string, error) {
	var (
		result []string
		pos    int
	)
	parseErr := func() error {
		return errors.E(errors.Invalid, fmt.Sprintf(
			"could not parse the use-bases-mask '%s' for '%s' at: %s",
			useBasesMask, baseCallsDir, useBasesMask[pos:]))
	}
	for read := 0; ; read++ {
		readLength := -1
		if read < len(readLengths) {
			readLength = readLengths[read]
		}
		var b strings.Builder
		for pos < len(useBasesMask) && useBasesMask[pos] != ',' {
			symbol := toLowerSymbol(useBasesMask[pos])
			if symbol == 0 {
				return nil, parseErr()
			}
			symbolPos := pos
			pos++
			count := 1
			switch {
			case pos < len(useBasesMask) && useBasesMask[pos] == '*':
				if readLength < 0 {
					pos = symbolPos
					return nil, parseErr()
				}
				count = readLength - b.Len()
				if count < 0 {
					pos = symbolPos
					return nil, parseErr()
				}
				pos++
			case pos < len(useBasesMask) && isDigit(useBasesMask[pos]):
				start := pos
				for pos < len(useBasesMask) && isDigit(useBasesMask[pos]) {
					pos++
				}
				n, err := strconv.Atoi(useBasesMask[start:pos])
				if err != nil {
					pos = start
					return nil, parseErr()
				}
				count = n
			}
			for i := 0; i < count; i++ {
				b.WriteByte(symbol)
			}
		}
		if b.Len() == 0 {
			return nil, parseErr()
		}
		result = append(result, b.String())
		if pos == len(useBasesMask) {
			break
		}
		pos++ // skip ','
	}

	log.Debug.Printf("use bases mask: %s", strings.Join(result, ","))
	if len(result) != len(readLengths) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf(
			"use-bases-mask '%s' is incompatible with number of reads (%d) in %s",
			useBasesMask, len(readLengths), baseCallsDir))
	}
	for i, r := range result {
		if len(r) != readLengths[i] {
			return nil, errors.E(errors.Invalid, fmt.Sprintf(
				"use-bases-mask '%s' covers %d cycles of read %d, expected %d in %s",
				useBasesMask, len(r), i+1, readLengths[i], baseCallsDir))
		}
	}
	return result, nil
}

func toLowerSymbol(c byte) byte {
	switch c {
	case 'y', 'Y':
		return 'y'
	case 'n', 'N':
		return 'n'
	case 'i', 'I':
		return 'i'
	}
	return 0
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func readFirstCycles(cfgFirstCycles []int, expanded []string) ([]int, error) {
	if len(cfgFirstCycles) != 0 {
		if len(cfgFirstCycles) != len(expanded) {
			return nil, errors.E(errors.Invalid, fmt.Sprintf(
				"discrepancy between configured read first cycles and use-bases-mask expansion. expected: %d reads, parsed: %d",
				len(cfgFirstCycles), len(expanded)))
		}
		return append([]int(nil), cfgFirstCycles...), nil
	}
	firstCycles := make([]int, len(expanded))
	next := 1
	for i, m := range expanded {
		firstCycles[i] = next
		next += len(m)
	}
	return firstCycles, nil
}

// ParseUseBasesMask applies the use-bases-mask to the reads of a flowcell.
//
// cfgFirstCycles gives the first cycle number of every read. When empty, the
// first cycles are assigned sequentially from 1 following the expanded mask.
// Data reads shorter than minReadLength are rejected.
func ParseUseBasesMask(cfgFirstCycles, readLengths []int, useBasesMask, baseCallsDir string, minReadLength int) (ParsedUseBasesMask, error) {
	var ret ParsedUseBasesMask
	expanded, err := ExpandUseBasesMask(readLengths, useBasesMask, baseCallsDir)
	if err != nil {
		return ret, err
	}
	firstCycles, err := readFirstCycles(cfgFirstCycles, expanded)
	if err != nil {
		return ret, err
	}
	dataReadOffset := 0
	for readMaskIndex, readMask := range expanded {
		firstCycle := firstCycles[readMaskIndex]
		var dataCycles, indexCycles []int
		for i := 0; i < len(readMask); i++ {
			switch readMask[i] {
			case 'y':
				dataCycles = append(dataCycles, firstCycle+i)
			case 'i':
				indexCycles = append(indexCycles, firstCycle+i)
			}
		}
		if len(dataCycles) > 0 {
			r := NewReadMetadata(dataCycles, len(ret.DataReads), dataReadOffset, firstCycle)
			ret.DataReads = append(ret.DataReads, r)
			log.Debug.Printf("discovered data read: %v", r)
			dataReadOffset += r.Length()
		}
		if len(indexCycles) > 0 {
			r := NewReadMetadata(indexCycles, len(ret.IndexReads), -1, firstCycle)
			ret.IndexReads = append(ret.IndexReads, r)
			log.Debug.Printf("discovered index read: %v", r)
		}
	}
	for _, r := range ret.DataReads {
		if r.Length() < minReadLength {
			return ret, errors.E(errors.Invalid, fmt.Sprintf(
				"read %d is too short: %d cycle < %d in %s",
				r.Index+1, r.Length(), minReadLength, baseCallsDir))
		}
	}
	return ret, nil
}
