package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pair struct {
	N uint32
	S string
}

func TestBikePoints_FieldOrderAndKinds(t *testing.T) {
	want := []struct {
		name string
		kind Kind
	}{
		{"BikesCount", Uint},
		{"EBikesCount", Uint},
		{"EmptyDocks", Uint},
		{"Id", Text},
		{"Name", Text},
		{"StandardBikesCount", Uint},
		{"TotalDocks", Uint},
	}

	require.Equal(t, len(want), BikePoints.Len())
	for i, w := range want {
		f := BikePoints.Field(i)
		assert.Equal(t, w.name, f.Name, "field %d", i)
		assert.Equal(t, w.kind, f.Kind, "field %s", f.Name)

		idx, ok := BikePoints.Lookup(w.name)
		assert.True(t, ok)
		assert.Equal(t, i, idx)
	}
	assert.Equal(t, "ArrayOfBikePointOccupancy", BikePoints.Collection())
	assert.Equal(t, "BikePointOccupancy", BikePoints.Entity())
}

func TestBikePoints_AccessorsTouchDistinctSlots(t *testing.T) {
	var o Occupancy
	for i := 0; i < BikePoints.Len(); i++ {
		f := BikePoints.Field(i)
		switch f.Kind {
		case Uint:
			f.SetUint(&o, uint32(i+1))
		case Text:
			f.SetText(&o, f.Name)
		}
	}
	assert.Equal(t, Occupancy{
		BikesCount:         1,
		EBikesCount:        2,
		EmptyDocks:         3,
		Id:                 "Id",
		Name:               "Name",
		StandardBikesCount: 6,
		TotalDocks:         7,
	}, o)
}

func TestField_Set(t *testing.T) {
	s := MustNew("Pairs", "Pair",
		UintField("N", func(p *pair) *uint32 { return &p.N }),
		TextField("S", func(p *pair) *string { return &p.S }),
	)
	n, txt := s.Field(0), s.Field(1)

	var p pair
	require.NoError(t, n.Set(&p, " 42\n"))
	assert.Equal(t, uint32(42), p.N)

	require.NoError(t, txt.Set(&p, "  River Street , Clerkenwell "))
	assert.Equal(t, "  River Street , Clerkenwell ", p.S)

	for _, bad := range []string{"", "abc", "-1", "+1", "1.5", "4294967296"} {
		err := n.Set(&p, bad)
		require.Error(t, err, "input %q", bad)
		assert.True(t, errors.Is(err, ErrCoerce), "input %q: %v", bad, err)
	}
	assert.Equal(t, uint32(42), p.N, "failed coercion must not modify the entity")
}

func TestNew_Rejects(t *testing.T) {
	ref := func(p *pair) *uint32 { return &p.N }

	_, err := New[pair]("", "Pair", UintField("N", ref))
	assert.Error(t, err)

	_, err = New[pair]("Pairs", " ", UintField("N", ref))
	assert.Error(t, err)

	_, err = New[pair]("Pairs", "Pair")
	assert.Error(t, err)

	_, err = New("Pairs", "Pair", UintField("N", ref), UintField("N", ref))
	assert.ErrorContains(t, err, "duplicate")

	_, err = New("Pairs", "Pair", UintField[pair]("N", nil))
	assert.ErrorContains(t, err, "accessor")
}

func TestMustNew_Panics(t *testing.T) {
	assert.Panics(t, func() { MustNew[pair]("", "") })
}

func TestField_WrongKindPanics(t *testing.T) {
	var o Occupancy
	id, _ := BikePoints.Lookup("Id")
	assert.Panics(t, func() { BikePoints.Field(id).Uint(&o) })
}
