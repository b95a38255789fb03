package docker

import (
	"errors"

	"github.com/docker/docker/errdefs"
)

// ErrNotFound indicates the requested Docker resource was not found.
var ErrNotFound = errors.New("docker: resource not found")

func translate(err error) error {
	if err == nil {
		return nil
	}
	if errdefs.IsNotFound(err) {
		return ErrNotFound
	}
	return err
}
