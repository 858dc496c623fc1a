// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package convolve

import (
	"errors"
	"fmt"
	"math"

	"github.com/mlnoga/skymesh/internal/data"
)

// Ratio of the full width at half maximum to the standard deviation of a Gaussian
const FWHMToSigma = 2.3548200450309493

// Calculate the integral of the Gaussian distribution from -Inf to x
func GaussianDefiniteIntegral(mu, sigma, x float64) float64 {
	return 0.5 * (1 + math.Erf((x-mu)/(sigma*math.Sqrt2)))
}

// One-dimensional Gaussian kernel with the given full width at half maximum,
// truncated at truncation times half the FWHM. Each element integrates the
// profile over its pixel
func Gaussian1D(fwhm, truncation float64) ([]float64, error) {
	if !(fwhm > 0) || !(truncation > 0) {
		return nil, errors.New(fmt.Sprintf("gaussian FWHM %g and truncation %g must be positive", fwhm, truncation))
	}
	sigma := fwhm / FWHMToSigma
	radius := int(math.Ceil(truncation * fwhm / 2))
	width := 2*radius + 1
	kernel := make([]float64, width)

	// Calculate left half of the kernel via symbolic integration
	sum := 0.0
	lower := GaussianDefiniteIntegral(0, sigma, -0.5-float64(radius))
	for i := 0; i <= radius; i++ {
		upper := GaussianDefiniteIntegral(0, sigma, -0.5-float64(radius)+float64(i+1))
		kernel[i] = upper - lower
		sum += kernel[i]
		lower = upper
	}

	// Mirror right half of the kernel to avoid numeric instability
	for i := 1; i <= radius; i++ {
		kernel[radius+i] = kernel[radius-i]
		sum += kernel[radius+i]
	}

	// Normalize the sum of the kernel to 1, for dealing with the truncated part of the distribution
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel, nil
}

// Two-dimensional kernel as the outer product of two one-dimensional ones
func Outer(ky, kx []float64) (*data.Buffer, error) {
	k, err := data.New(data.TypeFloat32, []int{len(ky), len(kx)}, true, nil)
	if err != nil {
		return nil, err
	}
	arr := k.Array.([]float32)
	for y, vy := range ky {
		for x, vx := range kx {
			arr[y*len(kx)+x] = float32(vy * vx)
		}
	}
	return k, nil
}

// Normalized two-dimensional circular Gaussian kernel
func Gaussian(fwhm, truncation float64) (*data.Buffer, error) {
	k1, err := Gaussian1D(fwhm, truncation)
	if err != nil {
		return nil, err
	}
	k, err := Outer(k1, k1)
	if err != nil {
		return nil, err
	}
	k.Name = "KERNEL"
	if err := Normalize(k); err != nil {
		return nil, err
	}
	return k, nil
}

// Flat box kernel of the given odd width per axis
func Box(dsize ...int) (*data.Buffer, error) {
	k, err := data.New(data.TypeFloat32, dsize, false, nil)
	if err != nil {
		return nil, err
	}
	arr := k.Array.([]float32)
	for i := range arr {
		arr[i] = 1 / float32(len(arr))
	}
	return k, nil
}
