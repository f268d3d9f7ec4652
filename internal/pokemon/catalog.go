package pokemon

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/cases"
)

// TeamSize is the number of species every player brings to a battle.
const TeamSize = 3

// MaxMoves is the number of move slots a species can carry.
const MaxMoves = 4

//go:embed species.json
var defaultSpecies []byte

type Move struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Power int    `json:"power"`
}

// IsStatus reports whether the move deals no damage.
func (m Move) IsStatus() bool { return m.Power <= 0 }

// Species is an immutable catalog entry. BaseStats are HP, Atk, Def, SpA, SpD, Spe.
type Species struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	DexNumber int      `json:"dex"`
	BaseStats [6]int   `json:"baseStats"`
	Types     []string `json:"types"`
	Moves     []Move   `json:"moves"`
}

// HP is the first base stat; it becomes the combatant's max HP.
func (s Species) HP() int { return s.BaseStats[0] }

// Catalog is a read-only set of species, kept in file order.
type Catalog struct {
	species []Species
	byID    map[string]int
}

var ErrUnknownSpecies = errors.New("SPECIES_UNKNOWN: No such species")

// Default returns the embedded catalog. It panics only if the embedded data is
// broken, which the package tests rule out.
func Default() *Catalog {
	c, err := LoadCatalog(bytes.NewReader(defaultSpecies))
	if err != nil {
		panic(fmt.Sprintf("embedded species catalog: %v", err))
	}
	return c
}

func LoadCatalogFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open species file: %w", err)
	}
	defer f.Close()

	return LoadCatalog(f)
}

// LoadCatalog decodes a JSON array of species and validates every entry.
func LoadCatalog(r io.Reader) (*Catalog, error) {
	var list []Species
	if err := json.NewDecoder(r).Decode(&list); err != nil {
		return nil, fmt.Errorf("failed to decode species: %w", err)
	}
	if len(list) == 0 {
		return nil, errors.New("CATALOG_INVALID: No species defined")
	}

	c := &Catalog{
		species: list,
		byID:    make(map[string]int, len(list)),
	}
	for i, s := range list {
		if err := validateSpecies(s); err != nil {
			return nil, err
		}
		key := foldID(s.ID)
		if _, dup := c.byID[key]; dup {
			return nil, fmt.Errorf("CATALOG_INVALID: Duplicate species id '%s'", s.ID)
		}
		c.byID[key] = i
	}
	return c, nil
}

func validateSpecies(s Species) error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("CATALOG_INVALID: Species id cannot be empty")
	}
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("CATALOG_INVALID: Species '%s' has no name", s.ID)
	}
	if s.HP() <= 0 {
		return fmt.Errorf("CATALOG_INVALID: Species '%s' must have positive HP", s.ID)
	}
	if len(s.Types) == 0 || len(s.Types) > 2 {
		return fmt.Errorf("CATALOG_INVALID: Species '%s' must have 1 or 2 types", s.ID)
	}
	if len(s.Moves) == 0 || len(s.Moves) > MaxMoves {
		return fmt.Errorf("CATALOG_INVALID: Species '%s' must have 1 to %d moves", s.ID, MaxMoves)
	}
	for _, m := range s.Moves {
		if strings.TrimSpace(m.Name) == "" {
			return fmt.Errorf("CATALOG_INVALID: Species '%s' has an unnamed move", s.ID)
		}
	}
	return nil
}

// foldID normalizes an id for lookup. Casers carry state, so each call builds its own.
func foldID(id string) string {
	return cases.Fold().String(strings.TrimSpace(id))
}

// Lookup finds a species by id, ignoring case.
func (c *Catalog) Lookup(id string) (Species, bool) {
	i, ok := c.byID[foldID(id)]
	if !ok {
		return Species{}, false
	}
	return c.species[i], true
}

// Resolve maps every id to its species, failing on the first unknown one.
func (c *Catalog) Resolve(ids []string) ([]Species, error) {
	out := make([]Species, 0, len(ids))
	for _, id := range ids {
		s, ok := c.Lookup(id)
		if !ok {
			return nil, fmt.Errorf("%w: '%s'", ErrUnknownSpecies, id)
		}
		out = append(out, s)
	}
	return out, nil
}

// All returns the species in catalog order.
func (c *Catalog) All() []Species {
	return append([]Species(nil), c.species...)
}

func (c *Catalog) Len() int { return len(c.species) }
