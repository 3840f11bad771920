// Copyright The xbcapture Authors
// SPDX-License-Identifier: Apache-2.0

package elfsym

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDemangle(t *testing.T) {
	tests := map[string]struct {
		mangled string
		want    string
	}{
		"constructor": {
			mangled: "_ZN3xrt6deviceC1Ej",
			want:    "xrt::device::device(unsigned int)",
		},
		"member": {
			mangled: "_ZN3xrt3run5startEv",
			want:    "xrt::run::start()",
		},
		"const member drops qualifier": {
			mangled: "_ZNK3xrt2bo4sizeEv",
			want:    "xrt::bo::size()",
		},
		"std::string collapses": {
			mangled: "_ZN3xrt6device11load_xclbinERKNSt7__cxx1112basic_string" +
				"IcSt11char_traitsIcESaIcEEE",
			want: "xrt::device::load_xclbin(std::string const&)",
		},
		"vector<char> collapses": {
			mangled: "_ZN3xrt6xclbinC1ERKSt6vectorIcSaIcEE",
			want:    "xrt::xclbin::xclbin(std::vector<char> const&)",
		},
		"not mangled passes through": {
			mangled: "plain_c_function",
			want:    "plain_c_function",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, Demangle(tc.mangled))
		})
	}
}

func TestDemangleCacheStable(t *testing.T) {
	first := Demangle("_ZN3xrt3run4waitEv")
	second := Demangle("_ZN3xrt3run4waitEv")
	assert.Equal(t, first, second)
	assert.Equal(t, "xrt::run::wait()", first)
}

func TestCanonicalizePE(t *testing.T) {
	tests := map[string]struct {
		undecorated string
		want        string
	}{
		"cdecl and void": {
			undecorated: "void __cdecl xrt::run::start(void)",
			want:        "void xrt::run::start()",
		},
		"int64 and comma spacing": {
			undecorated: "xrt::bo::write(void const *,unsigned __int64,unsigned __int64)const",
			want:        "xrt::bo::write(void const*, unsigned long, unsigned long)",
		},
		"class prefix": {
			undecorated: "xrt::kernel::kernel(class xrt::hw_context const &," +
				"class std::basic_string<char,struct std::char_traits<char>," +
				"class std::allocator<char> > const &)",
			want: "xrt::kernel::kernel(xrt::hw_context const&, std::string const&)",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, CanonicalizePE(tc.undecorated))
		})
	}
}
