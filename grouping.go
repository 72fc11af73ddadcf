package chatsync

import "time"

// ShouldGroup reports whether cur renders under prev's header: same author,
// same calendar day, and no more than threshold apart.
func ShouldGroup(prev, cur Message, threshold time.Duration) bool {
	if prev.AuthorID == "" || prev.AuthorID != cur.AuthorID {
		return false
	}
	py, pm, pd := prev.CreatedAt.Local().Date()
	cy, cm, cd := cur.CreatedAt.Local().Date()
	if py != cy || pm != cm || pd != cd {
		return false
	}
	gap := cur.CreatedAt.Sub(prev.CreatedAt)
	if gap < 0 {
		gap = -gap
	}
	return gap <= threshold
}
