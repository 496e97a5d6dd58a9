// Package probe validates uploaded clips and extracts the metadata the merge
// needs: duration, resolution, frame rate and codecs.
//
// Validation happens in two steps. A full decode to a null sink rejects
// files ffmpeg cannot read; only then is ffprobe asked for its JSON view of
// the streams and container.
package probe
