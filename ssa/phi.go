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

package ssa

/* copyPhiArgs copies, for every φ in bb, the argument carried by srcE
 * into the slot of tgtE. */
func copyPhiArgs(bb *BasicBlock, srcE *Edge, tgtE *Edge) {
    for _, phi := range bb.Phi {
        if v, ok := phi.V[srcE]; ok {
            phi.V[tgtE] = regnewref(*v)
        }
    }
}

/* updateDestinationPhis initializes, for every successor of origBB,
 * the φ argument of the parallel edge out of newBB to the value the
 * original edge carries. */
func updateDestinationPhis(origBB *BasicBlock, newBB *BasicBlock) {
    for _, e := range origBB.Succ {
        if e2 := findEdge(newBB, e.Dst); e2 != nil {
            copyPhiArgs(e.Dst, e, e2)
        }
    }
}

/* phiArgsEqualOnEdges reports whether two edges into the same block
 * carry identical φ arguments. */
func phiArgsEqualOnEdges(e1 *Edge, e2 *Edge) bool {
    for _, phi := range e1.Dst.Phi {
        v1, k1 := phi.V[e1]
        v2, k2 := phi.V[e2]

        /* both slots must exist and agree */
        if k1 != k2 {
            return false
        }
        if k1 && *v1 != *v2 {
            return false
        }
    }
    return true
}
