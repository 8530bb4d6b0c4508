package docker

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// buildContext assembles the tar stream the engine builds from: the rendered
// Dockerfile plus any local source files the spec asks to include. Everything
// is buffered in memory; specs carry a handful of scripts, not whole trees.
func buildContext(dockerfile string, sources []string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	if err := writeTarEntry(tw, dockerfileName, []byte(dockerfile)); err != nil {
		return nil, err
	}

	for _, src := range sources {
		data, err := os.ReadFile(src)
		if err != nil {
			return nil, fmt.Errorf("read source file: %w", err)
		}
		if err := writeTarEntry(tw, filepath.ToSlash(src), data); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("finalize build context: %w", err)
	}
	return &buf, nil
}

func writeTarEntry(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{
		Name: name,
		Mode: 0644,
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write tar entry %s: %w", name, err)
	}
	return nil
}
