// Copyright 2025 The FlaZoo Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package downloader

import "github.com/rs/zerolog/log"

// downloadProgress logs the advancement of a download. It is meant to be
// the destination of an io.TeeReader wrapping the response body.
type downloadProgress struct {
	total   int
	written int
	lastPct int
}

func newDownloadProgress(total int) *downloadProgress {
	return &downloadProgress{total: total}
}

func (p *downloadProgress) Start() {
	if p.total > 0 {
		log.Info().Int("bytes", p.total).Msg("download started")
		return
	}
	log.Info().Msg("download started, size unknown")
}

func (p *downloadProgress) Stop() {
	log.Info().Int("bytes", p.written).Msg("download complete")
}

func (p *downloadProgress) Write(b []byte) (int, error) {
	p.written += len(b)
	if p.total > 0 {
		if pct := p.written * 100 / p.total; pct >= p.lastPct+10 {
			p.lastPct = pct - pct%10
			log.Debug().Int("percent", p.lastPct).Msg("downloading")
		}
	}
	return len(b), nil
}
