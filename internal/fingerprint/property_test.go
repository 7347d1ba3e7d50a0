package fingerprint

import (
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/mattburnham/data-formulator-sub001/pkg/types"
)

// asInterface retypes a generator's results as interface{} so heterogeneous
// cell values can share one slice; gopter's Map cannot target interface{}
// directly because *GenResult is itself assignable to interface{}.
func asInterface(g gopter.Gen) gopter.Gen {
	ifaceType := reflect.TypeOf((*interface{})(nil)).Elem()
	return func(p *gopter.GenParameters) *gopter.GenResult {
		r := g(p)
		return &gopter.GenResult{
			Shrinker:   gopter.NoShrinker,
			Result:     r.Result,
			Labels:     r.Labels,
			ResultType: ifaceType,
			Sieve:      func(interface{}) bool { return true },
		}
	}
}

// genRows builds row-sets of string/float cells over a fixed column set.
func genRows(columns []string) gopter.Gen {
	genCell := gen.OneGenOf(
		asInterface(gen.AlphaString()),
		asInterface(gen.Float64Range(-1e6, 1e6)),
		asInterface(gen.Const(interface{}(nil))),
	)
	genRow := gen.SliceOfN(len(columns), genCell).Map(func(cells []interface{}) map[string]interface{} {
		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			row[col] = cells[i]
		}
		return row
	})
	return gen.SliceOf(genRow).Map(func(rows []map[string]interface{}) types.Rows {
		return types.Rows(rows)
	})
}

func TestProperty_FingerprintDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	columns := []string{"a", "b", "c"}

	properties.Property("value-equal copies fingerprint identically", prop.ForAll(
		func(rows types.Rows) bool {
			clone := make(types.Rows, len(rows))
			for i, row := range rows {
				cp := make(map[string]interface{}, len(row))
				for k, v := range row {
					cp[k] = v
				}
				clone[i] = cp
			}
			return Fingerprint(rows, columns) == Fingerprint(clone, columns)
		},
		genRows(columns),
	))

	properties.Property("changing one cell changes the fingerprint", prop.ForAll(
		func(rows types.Rows, rowIdx, colIdx int) bool {
			if len(rows) == 0 {
				return true
			}
			before := Fingerprint(rows, columns)

			target := rows[rowIdx%len(rows)]
			col := columns[colIdx%len(columns)]
			old := target[col]
			if s, ok := old.(string); ok {
				target[col] = s + "!"
			} else {
				target[col] = "mutated"
			}
			defer func() { target[col] = old }()

			return Fingerprint(rows, columns) != before
		},
		genRows(columns),
		gen.IntRange(0, 1<<20),
		gen.IntRange(0, 1<<20),
	))

	properties.TestingRun(t)
}
