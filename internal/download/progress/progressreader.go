package progress

import "io"

// ProgressReader wraps an io.Reader and reports progress via a callback every
// reportInterval bytes and once more when crossing each 25% milestone of Total.
type ProgressReader struct {
	Reader     io.Reader
	Offset     int64 // bytes already on disk before this reader started
	Total      int64 // -1 when unknown
	OnProgress func(done int64, total int64)

	read           int64
	sinceReport    int64
	reportInterval int64
}

func NewReader(r io.Reader, offset, total, interval int64, cb func(done int64, total int64)) *ProgressReader {
	return &ProgressReader{
		Reader:         r,
		Offset:         offset,
		Total:          total,
		OnProgress:     cb,
		reportInterval: interval,
	}
}

func (pr *ProgressReader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		before := pr.Offset + pr.read
		pr.read += int64(n)
		pr.sinceReport += int64(n)

		after := pr.Offset + pr.read
		if pr.sinceReport >= pr.reportInterval || pr.crossedMilestone(before, after) {
			pr.OnProgress(after, pr.Total)
			pr.sinceReport = 0
		}
	}

	return n, err
}

func (pr *ProgressReader) crossedMilestone(before, after int64) bool {
	if pr.Total <= 0 {
		return false
	}

	return before*4/pr.Total != after*4/pr.Total
}
