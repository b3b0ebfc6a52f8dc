// Package dag 从Workflow快照构建不可变的依赖图（对外导出）
package dag

import (
	"crypto/sha256"
	"fmt"
	"sort"

	godag "github.com/begmaroman/go-dag"

	"github.com/LENAX/node-engine/pkg/core/types"
)

// vertex go-dag顶点，实现Identifiable接口
type vertex struct {
	spec types.NodeSpec
}

// ID 实现Identifiable接口
func (v *vertex) ID() string {
	return v.spec.ID
}

// Hash 实现Hashable接口，按节点ID计算哈希
func (v *vertex) Hash() (godag.VHash, error) {
	return sha256.Sum256([]byte(v.spec.ID)), nil
}

// DependencyGraph 每个Execution一份的依赖图（对外导出）
// 构建后只读，循环/迭代结构必须在快照中展开为有界子图
type DependencyGraph struct {
	d     *godag.DAG[*vertex]
	order map[string]int // 节点在快照中的顺序，保证遍历结果确定
	ids   []string
}

// TopologicalOrder 拓扑排序结果，每一层内的节点可以并行执行
type TopologicalOrder struct {
	Levels [][]string
}

// Build 从快照构建依赖图
func Build(snapshot *types.WorkflowSnapshot) (*DependencyGraph, error) {
	if err := snapshot.Validate(); err != nil {
		return nil, err
	}

	// 先在邻接表上一次性检测环，避免逐条AddEdge时的递归检查
	adjacency := make(map[string][]string, len(snapshot.Nodes))
	for _, n := range snapshot.Nodes {
		adjacency[n.ID] = nil
	}
	for _, e := range snapshot.Edges {
		adjacency[e.From] = append(adjacency[e.From], e.To)
	}
	if hasCycle, path := detectCycleDFS(adjacency, nodeIDs(snapshot)); hasCycle {
		return nil, types.NewValidationError(fmt.Sprintf("检测到循环依赖: %v", path), nil)
	}

	g := &DependencyGraph{
		d:     godag.NewDAG[*vertex](),
		order: make(map[string]int, len(snapshot.Nodes)),
		ids:   nodeIDs(snapshot),
	}
	for i, n := range snapshot.Nodes {
		g.order[n.ID] = i
		if _, err := g.d.AddVertex(&vertex{spec: n}); err != nil {
			return nil, fmt.Errorf("添加节点失败: NodeID=%s, Error=%w", n.ID, err)
		}
	}
	for _, e := range snapshot.Edges {
		if isEdge, _ := g.d.IsEdge(e.From, e.To); isEdge {
			continue
		}
		if err := g.d.AddEdge(e.From, e.To); err != nil {
			return nil, fmt.Errorf("添加边失败: %s -> %s, Error=%w", e.From, e.To, err)
		}
	}
	return g, nil
}

func nodeIDs(snapshot *types.WorkflowSnapshot) []string {
	ids := make([]string, 0, len(snapshot.Nodes))
	for _, n := range snapshot.Nodes {
		ids = append(ids, n.ID)
	}
	return ids
}

// detectCycleDFS 三色标记法检测环，返回环路径
func detectCycleDFS(graph map[string][]string, ids []string) (bool, []string) {
	// 0=未访问 1=访问中 2=已完成
	color := make(map[string]int, len(graph))
	parent := make(map[string]string, len(graph))
	var cyclePath []string

	var dfs func(nodeID string) bool
	dfs = func(nodeID string) bool {
		color[nodeID] = 1
		for _, childID := range graph[nodeID] {
			switch color[childID] {
			case 0:
				parent[childID] = nodeID
				if dfs(childID) {
					return true
				}
			case 1:
				cyclePath = append(cyclePath, childID)
				for cur := nodeID; cur != childID && cur != ""; cur = parent[cur] {
					cyclePath = append(cyclePath, cur)
				}
				cyclePath = append(cyclePath, childID)
				return true
			}
		}
		color[nodeID] = 2
		return false
	}

	for _, id := range ids {
		if color[id] == 0 && dfs(id) {
			return true, cyclePath
		}
	}
	return false, nil
}

// sorted 按快照顺序排序节点ID
func (g *DependencyGraph) sorted(set map[string]godag.VHash) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return g.order[out[i]] < g.order[out[j]] })
	return out
}

// Len 节点数量
func (g *DependencyGraph) Len() int {
	return len(g.ids)
}

// NodeIDs 所有节点ID（快照顺序）
func (g *DependencyGraph) NodeIDs() []string {
	return append([]string(nil), g.ids...)
}

// Node 获取节点定义
func (g *DependencyGraph) Node(id string) (types.NodeSpec, error) {
	v, err := g.d.GetVertex(id)
	if err != nil {
		return types.NodeSpec{}, fmt.Errorf("节点 %s 不存在: %w", id, err)
	}
	return v.spec, nil
}

// Roots 入度为0的节点
func (g *DependencyGraph) Roots() []string {
	return g.sorted(g.d.GetRoots())
}

// Predecessors 前驱节点
func (g *DependencyGraph) Predecessors(id string) []string {
	parents, err := g.d.GetParents(id)
	if err != nil {
		return nil
	}
	return g.sorted(parents)
}

// Successors 后继节点
func (g *DependencyGraph) Successors(id string) []string {
	children, err := g.d.GetChildren(id)
	if err != nil {
		return nil
	}
	return g.sorted(children)
}

// Indegrees 每个节点的入度
func (g *DependencyGraph) Indegrees() map[string]int {
	out := make(map[string]int, len(g.ids))
	for _, id := range g.ids {
		out[id] = len(g.Predecessors(id))
	}
	return out
}

// Descendants 所有可达的后代节点（快照顺序，不含自身）
func (g *DependencyGraph) Descendants(id string) []string {
	seen := map[string]bool{}
	stack := g.Successors(id)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		stack = append(stack, g.Successors(cur)...)
	}
	out := make([]string, 0, len(seen))
	for _, nid := range g.ids {
		if seen[nid] {
			out = append(out, nid)
		}
	}
	return out
}

// TopologicalSort Kahn算法分层拓扑排序
func (g *DependencyGraph) TopologicalSort() *TopologicalOrder {
	inDegree := g.Indegrees()
	result := &TopologicalOrder{}
	queue := g.Roots()
	for len(queue) > 0 {
		level := queue
		var next []string
		for _, id := range level {
			for _, child := range g.Successors(id) {
				inDegree[child]--
				if inDegree[child] == 0 {
					next = append(next, child)
				}
			}
		}
		sort.Slice(next, func(i, j int) bool { return g.order[next[i]] < g.order[next[j]] })
		result.Levels = append(result.Levels, level)
		queue = next
	}
	return result
}

// Flatten 拓扑序展开为单一序列
func (o *TopologicalOrder) Flatten() []string {
	var out []string
	for _, level := range o.Levels {
		out = append(out, level...)
	}
	return out
}
