// Package media decides how a post's file reaches Telegram: most formats
// are handed over by URL, containers Telegram cannot stream are downloaded
// and transcoded first.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dahliabot/pkg/logx"
)

// ErrConversion marks a post whose media could not be turned into a
// deliverable payload. Callers skip the post.
var ErrConversion = errors.New("media: conversion failed")

// convertExts are container formats the transport cannot stream natively.
var convertExts = map[string]struct{}{
	"webm": {},
}

// NeedsConversion reports whether a file extension requires transcoding
// before delivery.
func NeedsConversion(ext string) bool {
	_, ok := convertExts[strings.ToLower(strings.TrimSpace(ext))]
	return ok
}

// Ref points at a post's media as the API reports it.
type Ref struct {
	URL  string
	Ext  string
	Size int64
}

// Payload is the deliverable form of a post's media: either the original
// URL (passthrough) or a locally transcoded file. Close releases the
// temporary storage; it is a no-op for passthrough payloads.
type Payload struct {
	URL  string
	Path string

	dir string
}

func (p *Payload) FromFile() bool { return p.Path != "" }

func (p *Payload) Close() error {
	if p.dir == "" {
		return nil
	}
	dir := p.dir
	p.dir = ""
	return os.RemoveAll(dir)
}

// Transcoder converts src into a streamable container at dst.
// It is treated as a black box; any error means the post is skipped.
type Transcoder func(ctx context.Context, src, dst string) error

type Normalizer struct {
	http      *http.Client
	log       logx.Logger
	transcode Transcoder
	maxBytes  int64
}

func NewNormalizer(transcode Transcoder, maxBytes int64, log logx.Logger) *Normalizer {
	if maxBytes <= 0 {
		maxBytes = 256 << 20
	}
	return &Normalizer{
		http:      &http.Client{Timeout: 2 * time.Minute},
		log:       log,
		transcode: transcode,
		maxBytes:  maxBytes,
	}
}

// Normalize produces the deliverable payload for ref. Passthrough formats
// return immediately with no download. Conversion formats are downloaded
// into a scoped temp dir and transcoded; the dir is removed on every
// failure path here, and via Payload.Close on the success path.
func (n *Normalizer) Normalize(ctx context.Context, ref Ref) (*Payload, error) {
	if !NeedsConversion(ref.Ext) {
		return &Payload{URL: ref.URL}, nil
	}
	if ref.Size > n.maxBytes {
		return nil, fmt.Errorf("%w: file too large (%d bytes)", ErrConversion, ref.Size)
	}

	dir, err := os.MkdirTemp("", "dahliabot-*")
	if err != nil {
		return nil, fmt.Errorf("%w: temp dir: %v", ErrConversion, err)
	}
	keep := false
	defer func() {
		if !keep {
			_ = os.RemoveAll(dir)
		}
	}()

	src := filepath.Join(dir, "source."+strings.ToLower(ref.Ext))
	if err := n.download(ctx, ref.URL, src); err != nil {
		return nil, fmt.Errorf("%w: download: %v", ErrConversion, err)
	}

	dst := filepath.Join(dir, "converted.mp4")
	if err := n.transcode(ctx, src, dst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConversion, err)
	}
	// Source bytes are no longer needed; drop them early to halve peak disk use.
	_ = os.Remove(src)

	keep = true
	return &Payload{Path: dst, dir: dir}, nil
}

func (n *Normalizer) download(ctx context.Context, url, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := n.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, io.LimitReader(resp.Body, n.maxBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if fi, serr := os.Stat(dst); serr == nil && fi.Size() > n.maxBytes {
		return fmt.Errorf("payload exceeds %d bytes", n.maxBytes)
	}
	return nil
}
