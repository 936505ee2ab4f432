package sweep

import "github.com/mattyonweb/tbsm/pkg/contracts"

// lanes partitions due obligations into groups that share no participant and
// no contract. Each lane keeps the input order, which is due order, so two
// obligations of the same payer are never settled out of order. Lanes come
// out ordered by their first obligation.
func lanes(due []*contracts.Obligation) [][]*contracts.Obligation {
	uf := newUnionFind()
	for _, o := range due {
		root := "c:" + o.ContractID
		uf.union(root, "p:"+o.PayerID)
		uf.union(root, "p:"+o.PayeeID)
	}

	index := make(map[string]int)
	var out [][]*contracts.Obligation
	for _, o := range due {
		root := uf.find("c:" + o.ContractID)
		i, ok := index[root]
		if !ok {
			i = len(out)
			index[root] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], o)
	}
	return out
}

type unionFind struct {
	parent map[string]string
}

func newUnionFind() *unionFind {
	return &unionFind{parent: make(map[string]string)}
}

func (u *unionFind) find(x string) string {
	p, ok := u.parent[x]
	if !ok {
		u.parent[x] = x
		return x
	}
	if p == x {
		return x
	}
	root := u.find(p)
	u.parent[x] = root
	return root
}

func (u *unionFind) union(a, b string) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[rb] = ra
	}
}
