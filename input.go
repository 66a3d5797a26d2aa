package sparkit

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	humanize "github.com/dustin/go-humanize"
	"github.com/grailbio/base/errors"
	log "github.com/sirupsen/logrus"

	"github.com/JaysonSunshine/sparkit-learn/internal/pkg/skfs"
)

// maxLineSize bounds a single input line.
const maxLineSize = 16 * 1024 * 1024

// inputSplit contains the information about a contiguous chunk of an input file.
// startOffset and endOffset are inclusive. For example, if the startOffset was 10
// and the endOffset was 14, then the inputSplit would describe a 5 byte chunk
// of the file.
type inputSplit struct {
	Filename    string // The file that the input split operates on
	StartOffset int64  // The starting byte index of the split in the file
	EndOffset   int64  // The ending byte index (inclusive) of the split in the file
}

// Size returns the number of bytes that the inputSplit spans
func (i inputSplit) Size() int64 {
	return i.EndOffset - i.StartOffset + 1
}

// splitInputFile calculates the inputSplits for an input file
func splitInputFile(file skfs.FileInfo, maxSplitSize int64) []inputSplit {
	splits := make([]inputSplit, 0)

	for startOffset := int64(0); startOffset < file.Size; startOffset += maxSplitSize {
		endOffset := startOffset + maxSplitSize - 1
		if endOffset > file.Size-1 {
			endOffset = file.Size - 1
		}

		split := inputSplit{
			Filename:    file.Name,
			StartOffset: startOffset,
			EndOffset:   endOffset,
		}
		splits = append(splits, split)
	}

	return splits
}

// inputBin is a collection of inputSplits.
type inputBin struct {
	splits []inputSplit
	size   int64
}

// packInputSplits partitions inputSplits into bins.
// The combined size of each bin will be no greater than maxBinSize
func packInputSplits(splits []inputSplit, maxBinSize int64) [][]inputSplit {
	if len(splits) == 0 {
		return [][]inputSplit{}
	}

	bins := make([]*inputBin, 1)
	bins[0] = &inputBin{
		splits: make([]inputSplit, 0),
		size:   0,
	}

	// Partition splits into bins in order
	for _, split := range splits {
		currBin := bins[len(bins)-1]
		if len(currBin.splits) > 0 && currBin.size+split.Size() > maxBinSize {
			currBin = &inputBin{
				splits: make([]inputSplit, 0),
				size:   0,
			}
			bins = append(bins, currBin)
		}
		currBin.splits = append(currBin.splits, split)
		currBin.size += split.Size()
	}

	binnedSplits := make([][]inputSplit, len(bins))
	for i, bin := range bins {
		binnedSplits[i] = bin.splits
	}
	return binnedSplits
}

// countingSplitFunc wraps a bufio.SplitFunc and keeps track of the number of bytes advanced.
func countingSplitFunc(split bufio.SplitFunc, bytesRead *int64) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (advance int, token []byte, err error) {
		adv, tok, err := split(data, atEOF)
		*bytesRead += int64(adv)
		return adv, tok, err
	}
}

// parseRecord parses a "label<TAB>f1,f2,..." line, or an unlabeled
// "f1,f2,..." line.
func parseRecord(line string) (Record, error) {
	var record Record
	featureText := line
	if i := strings.IndexByte(line, '\t'); i >= 0 {
		label, err := strconv.Atoi(strings.TrimSpace(line[:i]))
		if err != nil {
			return Record{}, errors.E(errors.Invalid, fmt.Sprintf("bad label in %q", line), err)
		}
		record.Label = label
		featureText = line[i+1:]
	} else {
		record.Unlabeled = true
	}

	fields := strings.Split(featureText, ",")
	record.Features = make([]float64, len(fields))
	for i, field := range fields {
		value, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil {
			return Record{}, errors.E(errors.Invalid, fmt.Sprintf("bad feature %d in %q", i, line), err)
		}
		record.Features[i] = value
	}
	return record, nil
}

// readSplit reads the records of a single inputSplit. Every split but the
// first of a file skips its leading line, which the previous split reads.
// A split reads each line that starts at or before EndOffset+1, finishing
// the last one past the end of the split.
func readSplit(fs skfs.FileSystem, split inputSplit) ([]Record, int64, error) {
	inputSource, err := fs.OpenReader(split.Filename, split.StartOffset)
	if err != nil {
		return nil, 0, err
	}
	defer inputSource.Close()

	scanner := bufio.NewScanner(inputSource)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	var bytesRead int64
	splitter := countingSplitFunc(bufio.ScanLines, &bytesRead)
	scanner.Split(splitter)

	if split.StartOffset != 0 {
		scanner.Scan()
	}

	records := make([]Record, 0)
	// bytesRead is the offset of the next line, relative to StartOffset.
	for bytesRead <= split.Size() && scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		record, err := parseRecord(line)
		if err != nil {
			return nil, 0, errors.E(err, fmt.Sprintf("%s@%d", split.Filename, split.StartOffset))
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, errors.E(err, fmt.Sprintf("read %s", split.Filename))
	}
	return records, bytesRead, nil
}

// splitPartition is a Dataset partition backed by input splits. Its records
// are read each time they are requested.
type splitPartition struct {
	fs     skfs.FileSystem
	splits []inputSplit
}

func (p *splitPartition) Records() ([]Record, error) {
	records := make([]Record, 0)
	for _, split := range p.splits {
		splitRecords, _, err := readSplit(p.fs, split)
		if err != nil {
			return nil, err
		}
		records = append(records, splitRecords...)
	}
	return records, nil
}

// TextFile creates a Dataset from text files, one record per line. Inputs
// are paths or globs, local or in S3. Files are cut into splits of at most
// SplitSize bytes, and splits are packed into partitions of at most
// MapBinSize bytes.
func (d *Driver) TextFile(inputs ...string) (*Dataset, error) {
	if len(inputs) == 0 {
		return nil, errors.E(errors.Invalid, "no inputs")
	}
	fs := skfs.InferFilesystem(inputs[0])

	splits := make([]inputSplit, 0)
	var totalSize int64
	for _, inputPath := range inputs {
		fileInfos, err := fs.ListFiles(inputPath)
		if err != nil {
			return nil, err
		}
		if len(fileInfos) == 0 {
			log.Warnf("No input files match %s", inputPath)
		}
		for _, fInfo := range fileInfos {
			totalSize += fInfo.Size
			splits = append(splits, splitInputFile(fInfo, d.Config.SplitSize)...)
		}
	}
	log.Debugf("Number of job input splits: %d", len(splits))
	if len(splits) > 0 {
		log.Debugf("Average split size: %s", humanize.Bytes(uint64(totalSize)/uint64(len(splits))))
	}

	bins := packInputSplits(splits, d.Config.MapBinSize)
	log.Debugf("Number of job input bins: %d", len(bins))
	partitions := make([]Partition, len(bins))
	for i, bin := range bins {
		partitions[i] = &splitPartition{fs: fs, splits: bin}
	}
	return &Dataset{partitions: partitions}, nil
}
