// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package load

const (
	mwcSeedW = 521288629
	mwcSeedZ = 362436069
)

// mwc is Marsaglia's multiply-with-carry generator. It is cheap, has a
// constant cost per step and its result is kept so the loop is not elided.
type mwc struct {
	w, z uint64
}

func newMWC() *mwc {
	return &mwc{w: mwcSeedW, z: mwcSeedZ}
}

func (m *mwc) next() uint64 {
	m.z = 36969*(m.z&65535) + (m.z >> 16)
	m.w = 18000*(m.w&65535) + (m.w >> 16)
	return (m.z << 16) + m.w
}
