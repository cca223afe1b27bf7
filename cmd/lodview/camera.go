package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/janelia-flyem/tilestream/display"
	"github.com/janelia-flyem/tilestream/dvid"
)

// parseCamera parses a "x y z zoom" line.  Commas may separate the values.
func parseCamera(line string) (display.Camera, error) {
	fields := strings.Fields(strings.ReplaceAll(line, ",", " "))
	if len(fields) != 4 {
		return display.Camera{}, fmt.Errorf("camera needs x y z zoom, got %q", line)
	}
	focus, err := dvid.StringToVector3d(strings.Join(fields[:3], ","), ",")
	if err != nil {
		return display.Camera{}, fmt.Errorf("bad camera focus: %v", err)
	}
	zoom, err := strconv.ParseFloat(fields[3], 64)
	if err != nil {
		return display.Camera{}, fmt.Errorf("bad camera zoom %q: %v", fields[3], err)
	}
	if zoom <= 0 {
		return display.Camera{}, fmt.Errorf("camera zoom must be positive, got %g", zoom)
	}
	return display.Camera{Focus: focus, Zoom: zoom}, nil
}

// readCameras parses a camera path, one camera per line.  Blank lines and lines
// starting with '#' are skipped.
func readCameras(r io.Reader) ([]display.Camera, error) {
	var cams []display.Camera
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cam, err := parseCamera(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %v", lineNum, err)
		}
		cams = append(cams, cam)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return cams, nil
}
