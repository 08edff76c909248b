// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

package views

import (
	"fmt"
	"image"
	"regexp"
	"strconv"
	"strings"
)

var numberPattern = regexp.MustCompile(`[-+]?\d*\.?\d+`)

// rectPrefix marks a rectangle literal with left, top, right and bottom
// coordinates. Without it, the four numbers are x, y, width, height.
const rectPrefix = "Rect.fromLTRB"

// ParseBox parses a bounding box in either "x,y,w,h" form or as a
// "Rect.fromLTRB(l, t, r, b)" literal. Coordinates are truncated to
// whole pixels.
func ParseBox(text string) (image.Rectangle, error) {
	matches := numberPattern.FindAllString(text, -1)
	if len(matches) != 4 {
		return image.Rectangle{}, fmt.Errorf("bounding box %q: found %d numbers, want 4", text, len(matches))
	}
	var values [4]int
	for i, match := range matches {
		value, err := strconv.ParseFloat(match, 64)
		if err != nil {
			return image.Rectangle{}, fmt.Errorf("bounding box %q: %w", text, err)
		}
		values[i] = int(value)
	}
	box := image.Rectangle{
		Min: image.Pt(values[0], values[1]),
		Max: image.Pt(values[0]+values[2], values[1]+values[3]),
	}
	if strings.Contains(text, rectPrefix) {
		box.Max = image.Pt(values[2], values[3])
	}
	if box.Dx() <= 0 || box.Dy() <= 0 {
		return image.Rectangle{}, fmt.Errorf("bounding box %q is empty", text)
	}
	return box, nil
}

// cropBounds clips box to bounds. ok is false when nothing remains.
func cropBounds(box, bounds image.Rectangle) (image.Rectangle, bool) {
	clipped := box.Intersect(bounds)
	return clipped, !clipped.Empty()
}
