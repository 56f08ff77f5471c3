// Package types defines the core data model shared across the engine:
// bundle identity, work items, recipes, run context, and the error taxonomy.
// It is a leaf package with no internal dependencies.
package types

import (
	"errors"
	"fmt"
)

// RequestMeta is an opaque unit of work carried by the persistent queue.
// Immutable after enqueue; serializable.
type RequestMeta struct {
	// URL is the primary resource to fetch.
	URL string `json:"url"`
	// Depth is the recursion depth of the request (root = 0).
	Depth int `json:"depth"`
	// Referer is the optional originating URL.
	Referer string `json:"referer,omitempty"`
	// Headers are extra request headers applied on fetch.
	Headers map[string]string `json:"headers,omitempty"`
	// Flags carry engine-internal routing hints (locator id, bid).
	Flags map[string]string `json:"flags,omitempty"`
}

// Flag keys used by the scheduler to route queue items.
const (
	// FlagLocatorID names the locator that emitted the request.
	FlagLocatorID = "locator"
	// FlagBID carries the bundle identifier minted at emission.
	FlagBID = "bid"
)

// Validate checks the request invariants.
func (r *RequestMeta) Validate() error {
	if r.URL == "" {
		return NewError(KindBundleRefValidation, "request url is required", nil)
	}
	if r.Depth < 0 {
		return NewError(KindBundleRefValidation, fmt.Sprintf("request depth must be >= 0, got %d", r.Depth), nil)
	}
	return nil
}

// BundleRef is the in-memory handle to a bundle. Created by a locator
// (minting the BID), consumed by the scheduler, finalized by storage.
type BundleRef struct {
	// BID is the bundle identifier.
	BID BID `json:"bid"`
	// PrimaryURL is the URL the bundle was discovered at.
	PrimaryURL string `json:"primary_url"`
	// ResourcesCount is the number of resources added so far.
	ResourcesCount int `json:"resources_count"`
	// StorageKey is the sink-assigned location, set at completion.
	StorageKey string `json:"storage_key,omitempty"`
	// Meta carries locator-specific hints (cursor, filename, length).
	// Advisory only: no engine invariant depends on it.
	Meta map[string]string `json:"meta,omitempty"`
}

// NewBundleRef mints a BundleRef with a fresh BID for the given URL.
func NewBundleRef(primaryURL string) *BundleRef {
	return &BundleRef{
		BID:        NewBID(),
		PrimaryURL: primaryURL,
		Meta:       map[string]string{},
	}
}

// Validate checks the ref invariants.
func (b *BundleRef) Validate() error {
	if b.BID == "" {
		return NewError(KindBundleRefValidation, "bundle ref requires a bid", nil)
	}
	if _, err := ParseBID(string(b.BID)); err != nil {
		return NewError(KindBundleRefValidation, "bundle ref bid is malformed", err)
	}
	if b.PrimaryURL == "" {
		return NewError(KindBundleRefValidation, "bundle ref requires a primary url", nil)
	}
	if b.ResourcesCount < 0 {
		return NewError(KindBundleRefValidation, "bundle ref resources count must be >= 0", nil)
	}
	return nil
}

// ResourceMeta is the per-resource record written alongside content.
type ResourceMeta struct {
	// URL is the resource origin.
	URL string `json:"url"`
	// Status is the protocol status (HTTP status code), when applicable.
	Status int `json:"status,omitempty"`
	// ContentType is the declared media type, when known.
	ContentType string `json:"content_type,omitempty"`
	// Headers are response headers worth preserving.
	Headers map[string]string `json:"headers,omitempty"`
	// Note is a free-form annotation (e.g. "gzip-unwrapped").
	Note string `json:"note,omitempty"`
}

// ErrRequestMalformed indicates a queue item that failed to decode.
var ErrRequestMalformed = errors.New("malformed request meta")
