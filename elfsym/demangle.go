// Copyright The xbcapture Authors
// SPDX-License-Identifier: Apache-2.0

package elfsym // import "github.com/xrttools/xbcapture/elfsym"

import (
	"github.com/elastic/go-freelru"
	"github.com/ianlancetaylor/demangle"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"

	"github.com/xrttools/xbcapture/util"
)

// demangleCacheSize bounds the demangled-name cache. The runtime library
// exports a few thousand symbols; scans of multiple libraries share the cache.
const demangleCacheSize = 8192

// elfReplacements collapses compiler-specific spellings in a demangled name
// so the same logical signature compares equal across toolchains.
var elfReplacements = [][2]string{
	{"std::__cxx11::basic_string<char, std::char_traits<char>, " +
		"std::allocator<char> >", "std::string"},
	{"[abi:cxx11]", ""},
	{"std::map<std::string, unsigned int, std::less<std::string >, " +
		"std::allocator<std::pair<std::string const, unsigned int> > > " +
		"const&", "xrt::hw_context::cfg_param_type const&"},
	{"std::vector<char, std::allocator<char> >", "std::vector<char>"},
	{") const", ")"},
}

// peReplacements normalizes the undecorated spellings produced by the PE
// toolchain family.
var peReplacements = [][2]string{
	{"class std::basic_string<char,struct std::char_traits<char>," +
		"class std::allocator<char> >", "std::string"},
	{"__cdecl ", ""},
	{"class ", ""},
	{",", ", "},
	{")const", ") const"},
	{"__int64", "long"},
	{"(void)", "()"},
	{"enum ", ""},
	{"struct std::ratio<1, 1000>", "std::ratio<1l, 1000l>"},
	{" *", "*"},
	{" &", "&"},
	{") const", ")"},
}

var demangleCache *freelru.SyncedLRU[string, string]

func init() {
	var err error
	demangleCache, err = freelru.NewSynced[string, string](demangleCacheSize,
		func(s string) uint32 { return uint32(xxh3.HashString(s)) })
	if err != nil {
		log.Fatalf("creating demangle cache: %v", err)
	}
}

// Demangle recovers the canonical signature from a mangled ELF symbol name.
// When demangling fails the raw mangled name is returned unchanged; that
// symbol then keys on its mangled spelling only.
func Demangle(mangled string) string {
	if cached, ok := demangleCache.Get(mangled); ok {
		return cached
	}
	out := mangled
	if dem, err := demangle.ToString(mangled); err == nil {
		out = util.FindAndReplaceAll(dem, elfReplacements)
	}
	demangleCache.Add(mangled, out)
	return out
}

// CanonicalizePE normalizes a signature undecorated by the PE platform's
// symbol machinery into the shared canonical spelling.
func CanonicalizePE(undecorated string) string {
	return util.FindAndReplaceAll(undecorated, peReplacements)
}
