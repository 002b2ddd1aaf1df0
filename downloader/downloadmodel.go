// Copyright 2025 The FlaZoo Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package downloader fetches pretrained checkpoints from the Hugging Face
// hub so they can be used as initialization sources.
package downloader

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

const (
	// Hugging Face repository URL, in the format:
	// "https://huggingface.co/{model_id}/resolve/{revision}/{filename}"
	huggingFaceCoPrefix = "https://huggingface.co/%s/resolve/%s/%s"
	// Default revision name for fetching model from Hugging Face repository
	defaultRevision = "main"
)

// requiredFiles are the files an initialization source must provide.
var requiredFiles = []string{
	"config.json", "pytorch_model.bin",
}

// optionalFiles are fetched when the repository has them and skipped
// otherwise.
var optionalFiles = []string{
	"preprocessor_config.json",
}

// Download downloads a pretrained checkpoint from huggingface.co
// repositories into modelsDir/modelID.
//
// If one or more directory levels don't yet exist, they are created
// setting the permissions bits to 0755 (rwxr-xr-x).
//
// By setting the flag overwriteIfExist to false, any file that already
// exists is kept and considered as already successfully downloaded. If
// the flag is otherwise set to true, existing files will be forcefully
// downloaded and overwritten.
func Download(modelsDir, modelID string, overwriteIfExists bool, accessToken string) error {
	return downloader{
		modelPath:        filepath.Join(modelsDir, modelID),
		modelID:          modelID,
		overwriteIfExist: overwriteIfExists,
		accessToken:      accessToken,
	}.download()
}

// downloader is a helper struct for downloading a model.
type downloader struct {
	modelPath        string
	modelID          string
	accessToken      string
	overwriteIfExist bool
}

func (d downloader) download() error {
	if err := d.ensureModelPath(); err != nil {
		return err
	}
	for _, filename := range requiredFiles {
		if err := d.downloadFile(filename, true); err != nil {
			return err
		}
	}
	for _, filename := range optionalFiles {
		if err := d.downloadFile(filename, false); err != nil {
			return err
		}
	}
	return nil
}

func (d downloader) ensureModelPath() error {
	if info, err := os.Stat(d.modelPath); err == nil && info.IsDir() {
		return nil
	}
	if err := os.MkdirAll(d.modelPath, 0755); err != nil {
		return fmt.Errorf("error creating model path %#v: %w", d.modelPath, err)
	}
	return nil
}

func (d downloader) downloadFile(name string, required bool) (err error) {
	fPath := filepath.Join(d.modelPath, name)
	if info, err := os.Stat(fPath); !d.overwriteIfExist && err == nil && !info.IsDir() {
		log.Debug().Str("file", fPath).Msg("model file already exists, skipping download")
		return nil
	}

	url := d.bucketURL(name)
	log.Debug().Str("url", url).Str("destination", fPath).Msg("downloading")

	resp, err := d.httpGet(url)
	if err != nil {
		return fmt.Errorf("error getting %#v: %w", url, err)
	}
	defer func() {
		if e := resp.Body.Close(); e != nil && err == nil {
			err = fmt.Errorf("error closing %#v response body: %w", url, e)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		if !required {
			log.Debug().Str("file", name).Str("status", resp.Status).Msg("optional file not available, skipping")
			return nil
		}
		return fmt.Errorf("%#v responded with %s", url, resp.Status)
	}

	f, err := os.Create(fPath)
	if err != nil {
		return fmt.Errorf("error creating file %#v: %w", fPath, err)
	}
	defer func() {
		if e := f.Close(); e != nil && err == nil {
			err = fmt.Errorf("error closing file %#v: %w", fPath, e)
		}
	}()

	prog := newDownloadProgress(int(resp.ContentLength))
	prog.Start()
	defer prog.Stop()

	_, err = io.Copy(f, io.TeeReader(resp.Body, prog))
	if err != nil {
		return fmt.Errorf("error downloading %#v to %#v: %w", url, fPath, err)
	}
	return nil
}

func (d downloader) httpGet(url string) (*http.Response, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	if d.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+d.accessToken)
	}
	return http.DefaultClient.Do(req)
}

func (d downloader) bucketURL(fileName string) string {
	return fmt.Sprintf(huggingFaceCoPrefix, d.modelID, defaultRevision, fileName)
}
