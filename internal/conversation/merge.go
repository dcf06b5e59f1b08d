package conversation

import (
	"sort"

	"github.com/phonemesh/internal/model"
)

// Merged — результат одного слияния в двух порядках: история (по возрастанию)
// и «сначала новые» для списков вроде входящих.
type Merged struct {
	Ascending  []model.Message
	Descending []model.Message
}

// Merge объединяет локальный и авторитетный журналы по id. При совпадении id поля берутся
// у версии с более поздним временем (при равенстве у авторитетной), флаг Read всегда
// авторитетный. Сообщение, удалённое локально, но присутствующее у авторитета, возвращается.
func Merge(local, authoritative []model.Message) Merged {
	byID := make(map[string]model.Message, len(local)+len(authoritative))
	order := make([]string, 0, len(local)+len(authoritative))
	for _, m := range local {
		if _, ok := byID[m.ID]; !ok {
			order = append(order, m.ID)
		}
		byID[m.ID] = m
	}
	for _, a := range authoritative {
		l, ok := byID[a.ID]
		if !ok {
			byID[a.ID] = a
			order = append(order, a.ID)
			continue
		}
		winner := a
		if l.Timestamp.After(a.Timestamp) {
			winner = l
		}
		winner.Read = a.Read
		byID[a.ID] = winner
	}

	asc := make([]model.Message, 0, len(order))
	for _, id := range order {
		asc = append(asc, byID[id])
	}
	sort.SliceStable(asc, func(i, j int) bool { return model.Less(&asc[i], &asc[j]) })
	desc := make([]model.Message, len(asc))
	for i := range asc {
		desc[len(asc)-1-i] = asc[i]
	}
	return Merged{Ascending: asc, Descending: desc}
}
