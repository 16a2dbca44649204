package upload

import (
	"fmt"
	"io"
	"net/url"
	"time"

	units "github.com/docker/go-units"
)

// progressInterval is how often the aggregated progress line refreshes.
const progressInterval = 500 * time.Millisecond

func newProgressTicker() *time.Ticker {
	return time.NewTicker(progressInterval)
}

// urlEscapeBase64 makes a base64 block id safe for a query string.
func urlEscapeBase64(id string) string {
	return url.QueryEscape(id)
}

// TTYProgress renders a single updating percentage line to w.
func TTYProgress(w io.Writer) Progress {
	return func(uploaded, total int64) {
		if total <= 0 {
			return
		}
		percent := uploaded * 100 / total
		fmt.Fprintf(w, "\ruploading... %3d%% (%s / %s)",
			percent,
			units.BytesSize(float64(uploaded)),
			units.BytesSize(float64(total)))
		if uploaded >= total {
			fmt.Fprintln(w)
		}
	}
}
