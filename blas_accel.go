//go:build netlib

package main

import (
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/netlib/blas/netlib"
)

// Routes gonum's matrix products through a native CBLAS (OpenBLAS, MKL,
// Accelerate) when built with `-tags netlib` and CGO_LDFLAGS pointing at it.
func init() {
	blas64.Use(netlib.Implementation{})
}
