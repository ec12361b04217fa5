// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"

	"github.com/stacklok/codehive/pkg/logger"
)

//go:embed Dockerfile
var sandboxDockerfile string

// ensureImage builds the sandbox image if it is not already present.
func (m *Manager) ensureImage(ctx context.Context) error {
	exists, err := m.imageExists(ctx)
	if err != nil {
		return err
	}
	if exists {
		logger.Debugf("Sandbox image %s already present", m.image)
		return nil
	}

	logger.Infof("Building sandbox image %s", m.image)

	buildContext, err := buildContextTar(sandboxDockerfile)
	if err != nil {
		return err
	}

	resp, err := m.docker.ImageBuild(ctx, buildContext, build.ImageBuildOptions{
		Tags:       []string{m.image},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("failed to build sandbox image: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Debugf("Failed to close build response body: %v", closeErr)
		}
	}()

	return parseBuildOutput(resp.Body)
}

func (m *Manager) imageExists(ctx context.Context) (bool, error) {
	images, err := m.docker.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", m.image)),
	})
	if err != nil {
		return false, fmt.Errorf("failed to list images: %w", err)
	}
	return len(images) > 0, nil
}

// buildContextTar wraps the Dockerfile in the tar stream the build API expects.
func buildContextTar(dockerfile string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	header := &tar.Header{
		Name: "Dockerfile",
		Mode: 0o644,
		Size: int64(len(dockerfile)),
	}
	if err := tw.WriteHeader(header); err != nil {
		return nil, fmt.Errorf("failed to write tar header: %w", err)
	}
	if _, err := tw.Write([]byte(dockerfile)); err != nil {
		return nil, fmt.Errorf("failed to write Dockerfile: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize build context: %w", err)
	}

	return &buf, nil
}

// parseBuildOutput reads the build output stream and checks for errors
func parseBuildOutput(reader io.Reader) error {
	decoder := json.NewDecoder(reader)
	for {
		var message struct {
			Stream string `json:"stream"`
			Error  string `json:"error"`
		}

		if err := decoder.Decode(&message); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("failed to decode build output: %w", err)
		}

		if message.Error != "" {
			return fmt.Errorf("build error: %s", message.Error)
		}

		if line := strings.TrimSpace(message.Stream); line != "" {
			logger.Debugf("Image build: %s", line)
		}
	}

	return nil
}
