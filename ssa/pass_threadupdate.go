/*
 * Copyright 2024 mir-opt Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/** Thread edges through blocks and update the control flow and φ graphs.
 *
 *  Given an edge A -> B and a known outcome of B's branch when entered
 *  through it, redirect A -> B to a duplicate B' that unconditionally
 *  passes control to the known successor, preserving the side effects
 *  of B. Duplication is minimized by grouping all incoming edges that
 *  share one path suffix behind a single duplicate, and by cloning the
 *  duplicates from a template instead of the original block.
 */

package ssa

import (
    `sort`
)

type _EdgeList struct {
    e    *Edge
    next *_EdgeList
}

/* _RedirectionData describes the duplicate serving one unique path
 * suffix of the block being threaded, and the incoming edges to be
 * redirected into it. */
type _RedirectionData struct {
    path          *ThreadPath
    dupBlock      *BasicBlock
    incomingEdges *_EdgeList
}

/* Two paths are interchangeable when every step past the first matches
 * in kind and edge identity. The first step is the triggering incoming
 * edge, distinct incoming edges sharing a suffix must land on the same
 * duplicate. */
func pathsEqual(p1 *ThreadPath, p2 *ThreadPath) bool {
    if p1.Len() != p2.Len() {
        return false
    }
    for i := 1; i < p1.Len(); i++ {
        if p1.At(i).Kind != p2.At(i).Kind || p1.At(i).E != p2.At(i).E {
            return false
        }
    }
    return true
}

/* _RedirectionTable groups incoming edges by path-suffix identity. It
 * hashes on the final destination block and chains entries with equal
 * hashes. */
type _RedirectionTable struct {
    m map[int][]*_RedirectionData
}

func newRedirectionTable(nb int) *_RedirectionTable {
    return &_RedirectionTable {
        m: make(map[int][]*_RedirectionData, nb),
    }
}

func (self *_RedirectionTable) lookup(e *Edge, insert bool) *_RedirectionData {
    path := e.Aux
    hash := path.last().E.Dst.Id

    /* search the chain */
    for _, rd := range self.m[hash] {
        if pathsEqual(rd.path, path) {
            if insert {
                rd.incomingEdges = &_EdgeList { e: e, next: rd.incomingEdges }
            }
            return rd
        }
    }

    /* lookup-only miss */
    if !insert {
        return nil
    }

    /* fresh entry, the incoming edge heads the list */
    rd := &_RedirectionData {
        path          : path,
        incomingEdges : &_EdgeList { e: e },
    }
    self.m[hash] = append(self.m[hash], rd)
    return rd
}

/* traverse visits the entries in deterministic hash order, stopping
 * early when the action returns false. */
func (self *_RedirectionTable) traverse(action func(*_RedirectionData) bool) {
    kk := make([]int, 0, len(self.m))
    for k := range self.m { kk = append(kk, k) }
    sort.Ints(kk)
    for _, k := range kk {
        for _, rd := range self.m[k] {
            if !action(rd) {
                return
            }
        }
    }
}

/* per-block threading state */
type _SsaLocalInfo struct {
    bb            *BasicBlock
    templateBlock *BasicBlock
    jumpsThreaded bool
}

func (self *JumpThreading) cancel(e *Edge) {
    DeleteJumpThreadPath(e.Aux)
    e.Aux = nil
}

/* createBlockForThreading duplicates bb into rd. The duplicate is
 * unreachable until wired, so its profile starts at zero and its
 * outgoing edges carry no annotations. */
func createBlockForThreading(cfg *CFG, bb *BasicBlock, rd *_RedirectionData) {
    rd.dupBlock = duplicateBlock(cfg, bb)
    for _, e := range rd.dupBlock.Succ {
        e.Aux = nil
    }
    rd.dupBlock.Freq = 0
    rd.dupBlock.Count = 0
}

/* createEdgeAndUpdateDestinationPhis wires bb to the final destination
 * of rd's path with a fall-through edge and mirrors the φ arguments of
 * the original final edge onto it. A nested thread annotation on the
 * final edge is deep-cloned onto the new edge. */
func createEdgeAndUpdateDestinationPhis(rd *_RedirectionData, bb *BasicBlock) {
    last := rd.path.last().E
    e := makeEdge(bb, last.Dst, EdgeFallthru)
    e.Prob = ProbMax
    e.Count = bb.Count

    /* the copied block triggers the same nested thread */
    if last.Aux != nil {
        e.Aux = last.Aux.clone()
    }

    /* the new edge flows the same values as the original */
    copyPhiArgs(e.Dst, last, e)
}

/* ssaFixDuplicateBlockEdges wires the outgoing side of a duplicate.
 * Joiner paths keep the control statement and redirect the copied
 * outgoing edge that parallels the joiner step, plain paths strip the
 * control statement and fall through to the final destination. */
func (self *JumpThreading) ssaFixDuplicateBlockEdges(rd *_RedirectionData, local *_SsaLocalInfo) {
    e := rd.incomingEdges.e
    path := e.Aux

    /* plain copy path */
    if path.At(1).Kind != CopySrcJoinerBlock {
        removeCtrlStmtAndUselessEdges(rd.dupBlock, nil)
        createEdgeAndUpdateDestinationPhis(rd, rd.dupBlock)
        return
    }

    /* the copied outgoing edges flow the same values the originals do */
    updateDestinationPhis(local.bb, rd.dupBlock)

    /* redirect the copy of the joiner edge to the final destination */
    victim := findEdge(rd.dupBlock, path.At(1).E.Dst)
    e2 := redirectEdgeAndBranch(victim, path.last().E.Dst)
    e2.Count = path.last().E.Count

    /* if the redirect reused a pre-existing parallel edge its φ
     * arguments are already correct, otherwise copy them over */
    if e2 == victim {
        copyPhiArgs(e2.Dst, path.last().E, e2)
    }
}

/* ssaCreateDuplicates creates the duplicate for one entry. The first
 * entry visited becomes the template and is wired later, every other
 * entry clones the template and is wired immediately. */
func (self *JumpThreading) ssaCreateDuplicates(cfg *CFG, rd *_RedirectionData, local *_SsaLocalInfo) {
    if local.templateBlock == nil {
        createBlockForThreading(cfg, local.bb, rd)
        local.templateBlock = rd.dupBlock
    } else {
        createBlockForThreading(cfg, local.templateBlock, rd)
        self.ssaFixDuplicateBlockEdges(rd, local)
    }
}

/* ssaFixupTemplateBlock wires the template, the traversal stops once
 * it is found. */
func (self *JumpThreading) ssaFixupTemplateBlock(rd *_RedirectionData, local *_SsaLocalInfo) bool {
    if rd.dupBlock != nil && rd.dupBlock == local.templateBlock {
        self.ssaFixDuplicateBlockEdges(rd, local)
        return false
    }
    return true
}

/* ssaRedirectEdges redirects every incoming edge of the entry into its
 * duplicate, accumulating the profile and releasing the paths. */
func (self *JumpThreading) ssaRedirectEdges(rd *_RedirectionData, local *_SsaLocalInfo) {
    for el := rd.incomingEdges; el != nil; el = el.next {
        e := el.e
        path := e.Aux
        self.stats.numThreadedEdges++

        /* account the edge into the duplicate */
        if rd.dupBlock != nil {
            self.dumpf("  Threaded jump %d --> %d to %d", e.Src.Id, e.Dst.Id, rd.dupBlock.Id)
            rd.dupBlock.Count += e.Count

            /* excessive threading can overflow the frequency scale */
            if rd.dupBlock.Freq < BBFreqMax * 2 {
                rd.dupBlock.Freq += edgeFrequency(e)
            }

            /* joiner duplicates had their outgoing counts settled when
             * the copied edge was redirected */
            if path.At(1).Kind != CopySrcJoinerBlock {
                rd.dupBlock.Succ[0].Count += e.Count
            }

            /* revector the incoming edge into the duplicate */
            if e2 := redirectEdgeAndBranch(e, rd.dupBlock); e2 != e {
                panic("jump threading: edge redirection produced an unexpected edge")
            }
            flushPendingStmts(e)
        }

        /* the annotation is dead from here on */
        DeleteJumpThreadPath(path)
        e.Aux = nil
    }

    /* at least one incoming edge was threaded */
    if rd.incomingEdges != nil {
        local.jumpsThreaded = true
        rd.incomingEdges = nil
    }
}

/* redirectionBlockP reports whether bb carries nothing but debug
 * markers and its control statement, such a block is free to thread
 * through since there is nothing to duplicate. */
func redirectionBlockP(bb *BasicBlock) bool {
    for _, v := range bb.Ins {
        if _, ok := v.(*IrDebug); !ok {
            return false
        }
    }
    return true
}

/* threadBlock1 threads the matching incoming edges of bb, grouped by
 * unique path suffix. With noloopOnly set, requests that would disturb
 * the loop structure are skipped (headers, handled separately) or
 * cancelled (buried headers). */
func (self *JumpThreading) threadBlock1(cfg *CFG, bb *BasicBlock, noloopOnly bool, joiners bool) bool {
    loop := bb.Loop
    rt := newRedirectionTable(len(bb.Succ))

    /* threading the latch through an exit destroys the loop, make sure
     * preserving it does not restrict us */
    if loop != nil && loop.Header == bb {
        if e := loopLatchEdge(loop); e != nil && e.Aux != nil {
            path := e.Aux
            kind := path.At(1).Kind

            /* only when this invocation owns the path */
            if (kind == CopySrcJoinerBlock && joiners) || (kind == CopySrcBlock && !joiners) {
                for i := 1; i < path.Len(); i++ {
                    if loopExitEdgeP(loop, path.At(i).E) {
                        loop.Header = nil
                        loop.Latch = nil
                        cfg.loopsStateSet(LoopsNeedFixup)
                    }
                }
            }
        }
    }

    /* group the annotated incoming edges by path suffix */
    for _, e := range bb.Pred {
        if e.Aux == nil {
            continue
        }

        /* joiner paths wait for the joiner invocation and vice versa */
        path := e.Aux
        kind := path.At(1).Kind
        if (kind == CopySrcJoinerBlock && !joiners) || (kind == CopySrcBlock && joiners) {
            continue
        }

        /* check the loop structure constraints */
        e2 := path.last().E
        if noloopOnly {
            /* a header is only threaded towards its exits here, other
             * header requests are handled by the loop threader */
            if bb.Loop != nil && bb == bb.Loop.Header {
                if !loopExitEdgeP(bb.Loop, e2) || kind == CopySrcJoinerBlock {
                    continue
                }
            }

            /* a loop header buried inside the path is not handled
             * anywhere else, cancel the request */
            if (bb.Loop != e2.Src.Loop && !loopExitEdgeP(e2.Src.Loop, e2)) ||
               (e2.Src.Loop != e2.Dst.Loop && !loopExitEdgeP(e2.Src.Loop, e2)) {
                self.cancel(e)
                continue
            }
        }

        /* discount the threaded-out flow from the block profile */
        if e.Dst == e2.Src {
            updateBBProfileForThreading(e.Dst, edgeFrequency(e), e.Count, path.At(1).E)
        }

        /* record the unique destination */
        rt.lookup(e, true)
    }

    /* dominance info is stale after rewiring */
    cfg.freeDominanceInfo()

    /* header-to-exit threading does not give the loop a new entry,
     * duplicates belong to the enclosing loop */
    if noloopOnly && bb.Loop != nil && bb == bb.Loop.Header {
        cfg.setLoopCopy(bb.Loop, loopOuter(bb.Loop))
    }

    /* create the duplicates, wire the template last so its outgoing
     * edge is only created once, then redirect the incoming edges */
    local := &_SsaLocalInfo { bb: bb }
    rt.traverse(func(rd *_RedirectionData) bool { self.ssaCreateDuplicates(cfg, rd, local); return true })
    rt.traverse(func(rd *_RedirectionData) bool { return self.ssaFixupTemplateBlock(rd, local) })
    rt.traverse(func(rd *_RedirectionData) bool { self.ssaRedirectEdges(rd, local); return true })

    /* restore the loop-copy state */
    if noloopOnly && bb.Loop != nil && bb == bb.Loop.Header {
        cfg.setLoopCopy(bb.Loop, nil)
    }
    return local.jumpsThreaded
}

/* threadBlock processes plain paths strictly before joiner paths,
 * copying a joiner first could expose spurious new opportunities. */
func (self *JumpThreading) threadBlock(cfg *CFG, bb *BasicBlock, noloopOnly bool) bool {
    retval := self.threadBlock1(cfg, bb, noloopOnly, false)
    return self.threadBlock1(cfg, bb, noloopOnly, true) || retval
}

/* threadSingleEdge threads e through its destination along one plain
 * copy step, returning the duplicate, or the destination itself when e
 * is its only predecessor and no copy is needed. */
func (self *JumpThreading) threadSingleEdge(cfg *CFG, e *Edge) *BasicBlock {
    bb := e.Dst
    path := e.Aux
    eto := path.At(1).E

    /* the path dies here either way */
    DeleteJumpThreadPath(path)
    e.Aux = nil
    self.stats.numThreadedEdges++

    /* sole predecessor, just strip the branch and let the block fall
     * through to the target */
    if singlePredP(bb) {
        removeCtrlStmtAndUselessEdges(bb, eto.Dst)
        eto.Flags &^= EdgeTrueValue | EdgeFalseValue | EdgeAbnormal
        eto.Flags |= EdgeFallthru
        return bb
    }

    /* discount the threaded-out flow */
    if e.Dst == eto.Src {
        updateBBProfileForThreading(bb, edgeFrequency(e), e.Count, eto)
    }

    /* synthesize a two-step path and duplicate the block for it */
    rd := new(_RedirectionData)
    rd.path = NewThreadPath(
        ThreadEdge { E: e,   Kind: StartJumpThread },
        ThreadEdge { E: eto, Kind: CopySrcBlock },
    )

    /* wire the duplicate */
    createBlockForThreading(cfg, bb, rd)
    removeCtrlStmtAndUselessEdges(rd.dupBlock, nil)
    createEdgeAndUpdateDestinationPhis(rd, rd.dupBlock)

    /* move the flow of e onto the duplicate */
    self.dumpf("  Threaded jump %d --> %d to %d", e.Src.Id, e.Dst.Id, rd.dupBlock.Id)
    rd.dupBlock.Count = e.Count
    rd.dupBlock.Freq = edgeFrequency(e)
    singleSuccEdge(rd.dupBlock).Count = e.Count
    e2 := redirectEdgeAndBranch(e, rd.dupBlock)
    flushPendingStmts(e2)
    return rd.dupBlock
}

func sortedBlocks(m map[*BasicBlock]bool) []*BasicBlock {
    ret := make([]*BasicBlock, 0, len(m))
    for bb := range m {
        ret = append(ret, bb)
    }
    sort.Slice(ret, func(i int, j int) bool {
        return ret[i].Id < ret[j].Id
    })
    return ret
}

/* markThreadedBlocks moves every registered path onto its starting
 * edge, prunes the requests that cannot or should not be threaded, and
 * returns the set of blocks eligible for threading. */
func (self *JumpThreading) markThreadedBlocks(cfg *CFG) map[*BasicBlock]bool {
    tmp := make(map[*BasicBlock]bool)
    threaded := make(map[*BasicBlock]bool)

    /* attach each path to the edge that starts it */
    for _, path := range self.paths {
        e := path.At(0).E
        e.Aux = path
        tmp[e.Dst] = true
    }

    /* when optimizing for size only thread through blocks that need no
     * duplication or carry nothing to duplicate */
    if !self.ForSize {
        for bb := range tmp {
            threaded[bb] = true
        }
    } else {
        for _, bb := range sortedBlocks(tmp) {
            if len(bb.Pred) <= 1 || redirectionBlockP(bb) {
                threaded[bb] = true
                continue
            }
            for _, e := range bb.Pred {
                if e.Aux != nil {
                    self.dumpf("Cancelling jump thread into bb_%d when optimizing for size", bb.Id)
                    self.cancel(e)
                }
            }
        }
    }

    /* trim the paths that cross three or more loops, threading them
     * whole would wreck the loop structure */
    for _, bb := range sortedBlocks(tmp) {
        for _, e := range bb.Pred {
            path := e.Aux
            if path == nil {
                continue
            }

            /* track up to two distinct loops along the path */
            firstFather := path.At(0).E.Src.Loop
            secondFather := (*Loop)(nil)

            /* scan for a third one */
            for i := 0; i < path.Len(); i++ {
                f := path.At(i).E.Dst.Loop
                if f == firstFather || f == secondFather {
                    continue
                }

                /* remember the second loop */
                if secondFather == nil {
                    secondFather = f
                    continue
                }

                /* a third loop, cut the path here. The remainder still
                 * needs a copied step and at least two entries. */
                path.truncate(i)
                if path.Len() < 2 || path.last().Kind == CopySrcJoinerBlock {
                    self.cancel(e)
                }
                break
            }
        }
    }

    /* a joiner path whose final destination also has a direct edge
     * from the joiner must flow the exact same φ values through both,
     * otherwise threading would change the merged value */
    for _, bb := range sortedBlocks(tmp) {
        for _, e := range bb.Pred {
            path := e.Aux
            if path == nil || path.Len() < 2 || path.At(1).Kind != CopySrcJoinerBlock {
                continue
            }

            /* check the direct edge if there is one */
            finalEdge := path.last().E
            if e2 := findEdge(e.Dst, finalEdge.Dst); e2 != nil && !phiArgsEqualOnEdges(e2, finalEdge) {
                self.dumpf("Cancelling jump thread: %s, φ arguments disagree with the direct edge", path)
                self.cancel(e)
            }
        }
    }

    return threaded
}

/* ThreadThroughAllBlocks applies every pending threading request,
 * returning whether any edge was actually threaded. Dominance info is
 * invalidated, not restored, and the loops are flagged for fixup when
 * anything changed. With mayPeelLoopHeaders unset, entry edges are
 * threaded through a loop header only when the header is a pure
 * redirection block; threading of the latch edge is not affected. */
func (self *JumpThreading) ThreadThroughAllBlocks(cfg *CFG, mayPeelLoopHeaders bool) bool {
    retval := false
    self.stats.numThreadedEdges = 0

    /* nothing registered */
    if len(self.paths) == 0 {
        return false
    }

    /* prune and annotate */
    threadedBlocks := self.markThreadedBlocks(cfg)
    cfg.initializeOriginalCopyTables()

    /* first the threadings that leave the loop structure alone */
    for _, bb := range sortedBlocks(threadedBlocks) {
        if len(bb.Pred) > 0 {
            if self.threadBlock(cfg, bb, true) {
                retval = true
            }
        }
    }

    /* then the loop headers, innermost first so the rewiring cannot
     * disturb the headers still to come */
    for _, loop := range cfg.innermostLoops() {
        if loop.Header != nil && threadedBlocks[loop.Header] {
            if self.threadThroughLoopHeader(cfg, loop, mayPeelLoopHeaders) {
                retval = true
            }
        }
    }

    /* a latch-to-exit thread can null a header whose other annotated
     * edges then go unprocessed, sweep every edge so no annotation
     * survives into later passes */
    for _, bb := range cfg.Blocks() {
        for _, e := range bb.Pred {
            if e.Aux != nil {
                self.cancel(e)
            }
        }
        for _, e := range bb.Succ {
            if e.Aux != nil {
                self.cancel(e)
            }
        }
    }

    /* report and release */
    if self.Log != nil {
        self.Log.Infof("Jumps threaded: %d", self.stats.numThreadedEdges)
    }
    cfg.freeOriginalCopyTables()
    self.paths = nil

    /* the loop structure is stale now */
    if retval {
        cfg.loopsStateSet(LoopsNeedFixup)
    }
    return retval
}
