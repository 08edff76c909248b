// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package views turns face records into paired augmented views for
// contrastive training.
//
// Each record names an image and a face bounding box. The image is
// decoded, cropped to the box, resized to a square, and augmented
// twice with independent random flips and color jitter; the second
// view is jittered harder and sometimes converted to grayscale. Views
// are planar RGB, normalized to [-1, 1].
//
// Bad inputs degrade instead of failing: an unreadable image yields an
// all-zero pair, and an unparsable or empty bounding box skips the
// crop and uses the whole image.
package views
