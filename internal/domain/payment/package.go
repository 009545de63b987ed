package payment

import "sort"

// Package is a purchasable bundle of credits. Price is in KRW.
type Package struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Credits int    `json:"credits"`
	Price   int    `json:"price"`
}

// DefaultPackages is the production catalog.
var DefaultPackages = []Package{
	{ID: 1, Name: "10 credits", Credits: 10, Price: 500},
	{ID: 2, Name: "30 credits", Credits: 30, Price: 1400},
	{ID: 3, Name: "50 credits", Credits: 50, Price: 2200},
	{ID: 4, Name: "100 credits", Credits: 100, Price: 4000},
	{ID: 5, Name: "200 credits", Credits: 200, Price: 7600},
	{ID: 6, Name: "300 credits", Credits: 300, Price: 10500},
}

// Catalog is an immutable package lookup.
type Catalog struct {
	byID map[int]Package
	list []Package
}

// NewCatalog builds a catalog; DefaultPackages when pkgs is empty.
func NewCatalog(pkgs ...Package) *Catalog {
	if len(pkgs) == 0 {
		pkgs = DefaultPackages
	}
	c := &Catalog{byID: make(map[int]Package, len(pkgs))}
	for _, p := range pkgs {
		if p.ID <= 0 || p.Credits <= 0 || p.Price <= 0 {
			continue
		}
		c.byID[p.ID] = p
	}
	for _, p := range c.byID {
		c.list = append(c.list, p)
	}
	sort.Slice(c.list, func(i, j int) bool { return c.list[i].ID < c.list[j].ID })
	return c
}

func (c *Catalog) Get(id int) (Package, bool) {
	p, ok := c.byID[id]
	return p, ok
}

func (c *Catalog) List() []Package {
	out := make([]Package, len(c.list))
	copy(out, c.list)
	return out
}
