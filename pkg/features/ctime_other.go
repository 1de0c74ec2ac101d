//go:build !linux && !darwin

package features

import (
	"os"
	"time"
)

func changeTime(os.FileInfo) (time.Time, bool) {
	return time.Time{}, false
}
