// Package contacts хранит односторонние списки контактов устройств.
package contacts

import (
	"sort"
	"sync"

	"github.com/phonemesh/internal/model"
)

// Graph — направленные рёбра device → contact. Удаление ребра не трогает обратное.
type Graph struct {
	mu    sync.RWMutex
	edges map[model.DeviceID]map[model.DeviceID]struct{}
	live  func(model.DeviceID) bool
}

// NewGraph создаёт граф. live отсекает рёбра к удалённым устройствам при чтении; nil: все живые.
func NewGraph(live func(model.DeviceID) bool) *Graph {
	if live == nil {
		live = func(model.DeviceID) bool { return true }
	}
	return &Graph{edges: make(map[model.DeviceID]map[model.DeviceID]struct{}), live: live}
}

func (g *Graph) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edges = make(map[model.DeviceID]map[model.DeviceID]struct{})
}

func (g *Graph) add(from, to model.DeviceID) bool {
	if from == "" || to == "" || from == to {
		return false
	}
	set, ok := g.edges[from]
	if !ok {
		set = make(map[model.DeviceID]struct{})
		g.edges[from] = set
	}
	if _, ok := set[to]; ok {
		return false
	}
	set[to] = struct{}{}
	return true
}

// Add добавляет ребро from → to. Возвращает true, если ребра не было.
func (g *Graph) Add(from, to model.DeviceID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.add(from, to)
}

// Remove удаляет только ребро from → to.
func (g *Graph) Remove(from, to model.DeviceID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.edges[from]
	if !ok {
		return false
	}
	if _, ok := set[to]; !ok {
		return false
	}
	delete(set, to)
	return true
}

// EnsureMutual вызывается на каждой успешной отправке: недостающие стороны добавляются
// независимо друг от друга.
func (g *Graph) EnsureMutual(a, b model.DeviceID) (addedAB, addedBA bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.add(a, b), g.add(b, a)
}

// Has: есть ли ребро from → to (без учёта живости).
func (g *Graph) Has(from, to model.DeviceID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.edges[from][to]
	return ok
}

// ContactsOf возвращает контакты устройства, отсортированные по id. Рёбра к удалённым
// устройствам здесь же и вычищаются.
func (g *Graph) ContactsOf(id model.DeviceID) []model.DeviceID {
	g.mu.Lock()
	defer g.mu.Unlock()
	set := g.edges[id]
	out := make([]model.DeviceID, 0, len(set))
	for c := range set {
		if !g.live(c) {
			delete(set, c)
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Union добавляет рёбра из списка, ничего не удаляя. Возвращает число новых рёбер.
func (g *Graph) Union(id model.DeviceID, contacts []model.DeviceID) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range contacts {
		if g.add(id, c) {
			n++
		}
	}
	return n
}

// Export возвращает исходящие рёбра устройства без фильтра живости.
func (g *Graph) Export(id model.DeviceID) []model.DeviceID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]model.DeviceID, 0, len(g.edges[id]))
	for c := range g.edges[id] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Replace задаёт список контактов устройства целиком (загрузка локального кеша).
func (g *Graph) Replace(id model.DeviceID, contacts []model.DeviceID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.edges, id)
	for _, c := range contacts {
		g.add(id, c)
	}
}
