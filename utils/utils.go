package utils

import (
	"os"

	"github.com/dustin/go-humanize"
)

// FormatBytes renders a byte count the way the CLI's progress line does,
// e.g. "1.2 MB".
func FormatBytes(bytes int64) string {
	return humanize.Bytes(uint64(bytes))
}

// FormatRate renders a bytes/sec rate as "<size>/s", used for the download
// and upload rate columns on the CLI's progress line.
func FormatRate(bps float64) string {
	return humanize.Bytes(uint64(bps)) + "/s"
}

func CopyFile(src, dst string) error {
	srContent, err := os.ReadFile(src)
	if err != nil {
		return err
	}

	err = os.WriteFile(dst, srContent, 0644)
	if err != nil {
		return err
	}

	return nil
}
