package ota

import (
	"bytes"
	"crypto/rsa"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/avbpatch/avbpatch/internal/avb"
	"github.com/avbpatch/avbpatch/internal/errs"
)

// VbmetaLike reports whether name carries the vbmeta-like prefix §3
// assigns it.
func VbmetaLike(name string) bool {
	return len(name) >= len("vbmeta") && name[:len("vbmeta")] == "vbmeta"
}

// graphNode is one vbmeta partition's view during the AVB phase: its
// loaded image, and the set of child partition names the graph build
// step determined are in-scope edges.
type graphNode struct {
	name     string
	image    *avb.Image
	snapshot []byte // header bytes at load time, for mutation detection
	children []string
}

// RunAVBPhase implements §4.4 end to end: load, protection check, graph
// build, root check, topological order, per-node update, and re-sign.
// pool must already reflect the Boot and System phases' results. names is
// the set of vbmeta-like partitions; clearFlags corresponds to
// --clear-vbmeta-flags.
func RunAVBPhase(pool *Pool, names []string, avbKey *rsa.PrivateKey, blockSize int64, clearFlags bool, log *logrus.Entry) error {
	nodes := make(map[string]*graphNode, len(names))

	// 1. Load, rejecting footer-bearing vbmeta images.
	for _, name := range names {
		f, ok := pool.File(name)
		if !ok {
			return errs.Wrap(errs.Structural, fmt.Errorf("avb phase: vbmeta-like partition %q not in pool", name))
		}
		img, err := avb.LoadImage(f)
		if err != nil {
			return fmt.Errorf("avb phase: load %q: %w", name, err)
		}
		if !img.IsStandaloneVbmeta() {
			return errs.Wrap(errs.Structural, fmt.Errorf("avb phase: %q carries a footer; vbmeta partitions must be root-only images", name))
		}
		var probe bytes.Buffer
		if err := img.Header.ToWriter(&probe); err != nil {
			return fmt.Errorf("avb phase: snapshot %q: %w", name, err)
		}
		nodes[name] = &graphNode{name: name, image: img, snapshot: probe.Bytes()}
	}

	// 2. Protection check: every boot-like and vbmeta-like pool name must
	// be covered by the vbmeta set itself or referenced one level deep by
	// some vbmeta header's descriptors.
	if err := checkProtection(pool, nodes, log); err != nil {
		return err
	}

	// 3. Graph build.
	for _, node := range nodes {
		for _, d := range node.image.Header.Descriptors {
			child := descriptorPartitionName(d)
			if child == "" {
				continue
			}
			if _, isVbmeta := nodes[child]; isVbmeta {
				node.children = append(node.children, child)
				continue
			}
			if prov, ok := pool.Provenance(child); ok && prov == Modified {
				node.children = append(node.children, child)
			}
		}
	}

	// 4 & 5. Root check + topological order.
	order, err := topoSort(nodes)
	if err != nil {
		return err
	}

	// 6 & 7. Per-node update and conditional re-sign, children before
	// parents so a parent always sees its children's final state.
	for _, name := range order {
		node := nodes[name]
		if err := updateNode(pool, nodes, node, clearFlags); err != nil {
			return fmt.Errorf("avb phase: %s: %w", name, err)
		}

		var after bytes.Buffer
		if err := node.image.Header.ToWriter(&after); err != nil {
			return fmt.Errorf("avb phase: %s: %w", name, err)
		}
		if bytes.Equal(node.snapshot, after.Bytes()) {
			continue // unchanged: left Extracted, pruned by the caller.
		}

		f, _ := pool.File(name)
		if err := avb.WriteAndSign(f, node.image, avbKey, blockSize); err != nil {
			return fmt.Errorf("avb phase: %s: re-sign: %w", name, err)
		}
		pool.Replace(name, f)
		if log != nil {
			log.WithField("image", name).Info("vbmeta re-signed")
		}
	}
	return nil
}

// checkProtection enforces that every boot-like/vbmeta-like pool entry is
// either itself a vbmeta node or named by some vbmeta header's
// descriptors, logging unprotected non-critical partitions instead of
// failing on them.
func checkProtection(pool *Pool, nodes map[string]*graphNode, log *logrus.Entry) error {
	protected := make(map[string]bool)
	for name := range nodes {
		protected[name] = true
	}
	for _, node := range nodes {
		for _, d := range node.image.Header.Descriptors {
			if n := descriptorPartitionName(d); n != "" {
				protected[n] = true
			}
		}
	}

	var missing []string
	for _, name := range pool.Names() {
		if !BootLike(name) && !VbmetaLike(name) {
			if !protected[name] && log != nil {
				log.WithField("image", name).Warn("partition not protected by AVB")
			}
			continue
		}
		if !protected[name] {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	if len(missing) > 0 {
		return errs.Wrap(errs.Graph, fmt.Errorf("avb phase: unprotected partitions: %v", missing))
	}
	return nil
}

// descriptorPartitionName extracts the partition name a descriptor
// refers to, for the graph/protection scan, or "" for descriptor types
// with no single target partition.
func descriptorPartitionName(d *avb.Descriptor) string {
	switch d.Tag {
	case avb.TagHash, avb.TagHashtree, avb.TagChainPartition:
		return d.PartitionName
	default:
		return ""
	}
}

// topoSort orders nodes children-first, detecting the exactly-one-root
// invariant along the way.
func topoSort(nodes map[string]*graphNode) ([]string, error) {
	indegree := make(map[string]int, len(nodes))
	for name := range nodes {
		indegree[name] = 0
	}
	for _, node := range nodes {
		for _, c := range node.children {
			if _, isVbmeta := nodes[c]; isVbmeta {
				indegree[c]++
			}
		}
	}

	var roots []string
	for name, d := range indegree {
		if d == 0 {
			roots = append(roots, name)
		}
	}
	sort.Strings(roots)
	if len(roots) == 0 {
		return nil, errs.Wrap(errs.Graph, fmt.Errorf("avb phase: cycle in vbmeta dependency graph"))
	}
	if len(roots) > 1 {
		return nil, errs.Wrap(errs.Graph, fmt.Errorf("avb phase: multiple vbmeta roots: %v", roots))
	}

	var order []string
	visited := make(map[string]bool, len(nodes))
	var visit func(name string)
	visit = func(name string) {
		if visited[name] {
			return
		}
		visited[name] = true
		for _, c := range nodes[name].children {
			if _, isVbmeta := nodes[c]; isVbmeta {
				visit(c)
			}
		}
		order = append(order, name)
	}
	names := make([]string, 0, len(nodes))
	for name := range nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		visit(name)
	}
	return order, nil
}

// updateNode applies step 6 of §4.4 to node: the flags check, then per
// child either descriptor-copy (unsigned child) or pubkey-copy (signed
// child via ChainPartition), plus metadata descriptor merging for
// unsigned children.
func updateNode(pool *Pool, nodes map[string]*graphNode, node *graphNode, clearFlags bool) error {
	hdr := node.image.Header
	if hdr.Flags != 0 {
		if !clearFlags {
			return errs.Wrap(errs.Graph, fmt.Errorf("flags=%#x set and --clear-vbmeta-flags not given", hdr.Flags))
		}
		hdr.Flags = 0
	}

	for _, childName := range node.children {
		desc := findDescriptorFor(hdr, childName)
		if desc == nil {
			return errs.Wrap(errs.Graph, fmt.Errorf("missing descriptor for child %q", childName))
		}

		childSigned, childDesc, childHeader, err := childState(pool, nodes, childName)
		if err != nil {
			return err
		}

		if childSigned {
			if desc.Tag != avb.TagChainPartition {
				return errs.Wrap(errs.Graph, fmt.Errorf("child %q is signed but parent descriptor is %s, not chain_partition", childName, desc.Tag))
			}
			desc.PublicKey = childHeader.PublicKey
			continue
		}

		if desc.Tag != childDesc.Tag {
			return errs.Wrap(errs.Graph, fmt.Errorf("child %q: descriptor type mismatch: parent has %s, child self-descriptor is %s", childName, desc.Tag, childDesc.Tag))
		}
		switch desc.Tag {
		case avb.TagHash:
			desc.ImageSize = childDesc.ImageSize
			desc.HashAlgorithm = childDesc.HashAlgorithm
			desc.Salt = childDesc.Salt
			desc.Digest = childDesc.Digest
		case avb.TagHashtree:
			desc.ImageSize = childDesc.ImageSize
			desc.DmVerityVersion = childDesc.DmVerityVersion
			desc.TreeOffset = childDesc.TreeOffset
			desc.TreeSize = childDesc.TreeSize
			desc.DataBlockSize = childDesc.DataBlockSize
			desc.HashBlockSize = childDesc.HashBlockSize
			desc.FECNumRoots = childDesc.FECNumRoots
			desc.FECOffset = childDesc.FECOffset
			desc.FECSize = childDesc.FECSize
			desc.HashAlgorithm = childDesc.HashAlgorithm
			desc.Salt = childDesc.Salt
			desc.Digest = childDesc.Digest
			desc.HashtreeFlags = childDesc.HashtreeFlags
		default:
			return errs.Wrap(errs.Graph, fmt.Errorf("child %q: unsupported self-descriptor type %s", childName, desc.Tag))
		}

		mergeMetadataDescriptors(hdr, childHeader)
	}
	return nil
}

// childState reports whether childName is signed, and either its vbmeta
// node's own header (if it is itself a vbmeta node) or the self-descriptor
// recovered from its own AVB footer/header (if it is a Modified boot-like
// or system image carrying one).
func childState(pool *Pool, nodes map[string]*graphNode, childName string) (signed bool, selfDesc *avb.Descriptor, header *avb.Header, err error) {
	if child, ok := nodes[childName]; ok {
		h := child.image.Header
		if h.Signed() {
			return true, nil, h, nil
		}
		if len(h.Descriptors) == 0 {
			return false, nil, h, errs.Wrap(errs.Graph, fmt.Errorf("vbmeta child %q has no self-descriptor", childName))
		}
		return false, h.Descriptors[0], h, nil
	}

	f, ok := pool.File(childName)
	if !ok {
		return false, nil, nil, errs.Wrap(errs.Graph, fmt.Errorf("child %q not found in pool", childName))
	}
	img, err := avb.LoadImage(f)
	if err != nil {
		return false, nil, nil, fmt.Errorf("load child %q: %w", childName, err)
	}
	if img.Header.Signed() {
		return true, nil, img.Header, nil
	}
	if len(img.Header.Descriptors) == 0 {
		return false, nil, img.Header, errs.Wrap(errs.Graph, fmt.Errorf("child %q has no self-descriptor", childName))
	}
	return false, img.Header.Descriptors[0], img.Header, nil
}

// findDescriptorFor returns the descriptor in hdr whose partition name
// equals childName, or nil.
func findDescriptorFor(hdr *avb.Header, childName string) *avb.Descriptor {
	for _, d := range hdr.Descriptors {
		if (d.Tag == avb.TagHash || d.Tag == avb.TagHashtree || d.Tag == avb.TagChainPartition) && d.PartitionName == childName {
			return d
		}
	}
	return nil
}

// mergeMetadataDescriptors merges child's Property and KernelCmdline
// descriptors into parent, matching by full key (Property) or by the
// non-empty substring preceding the first "=" (KernelCmdline); matches
// overwrite in place, non-matches append.
func mergeMetadataDescriptors(parent, child *avb.Header) {
	for _, cd := range child.Descriptors {
		switch cd.Tag {
		case avb.TagProperty:
			if merged := mergeProperty(parent, cd); !merged {
				parent.Descriptors = append(parent.Descriptors, cd)
			}
		case avb.TagKernelCmdline:
			prefix := cd.CmdlinePrefix()
			if prefix == "" {
				continue
			}
			if merged := mergeCmdline(parent, cd, prefix); !merged {
				parent.Descriptors = append(parent.Descriptors, cd)
			}
		}
	}
}

func mergeProperty(parent *avb.Header, cd *avb.Descriptor) bool {
	for _, pd := range parent.Descriptors {
		if pd.Tag == avb.TagProperty && pd.PropertyKey == cd.PropertyKey {
			pd.PropertyValue = cd.PropertyValue
			return true
		}
	}
	return false
}

func mergeCmdline(parent *avb.Header, cd *avb.Descriptor, prefix string) bool {
	for _, pd := range parent.Descriptors {
		if pd.Tag == avb.TagKernelCmdline && pd.CmdlinePrefix() == prefix {
			pd.Cmdline = cd.Cmdline
			pd.CmdlineFlags = cd.CmdlineFlags
			return true
		}
	}
	return false
}
