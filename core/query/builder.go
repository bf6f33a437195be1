package query

// ConditionBuilder builds a single filter condition for a field. Obtain one
// through Where and finish with a comparison method.
type ConditionBuilder struct {
	field string
}

// Where begins a filter condition for a field.
func Where(field string) *ConditionBuilder {
	return &ConditionBuilder{field: field}
}

func (cb *ConditionBuilder) condition(op ComparisonOperator, value FilterValue) *QueryFilter {
	return &QueryFilter{Condition: &FilterCondition{
		Field:    cb.field,
		Operator: op,
		Value:    value,
	}}
}

// Eq builds an equality condition.
func (cb *ConditionBuilder) Eq(value FilterValue) *QueryFilter {
	return cb.condition(ComparisonOperatorEq, value)
}

// Neq builds a not-equal condition.
func (cb *ConditionBuilder) Neq(value FilterValue) *QueryFilter {
	return cb.condition(ComparisonOperatorNeq, value)
}

// Lt builds a less-than condition.
func (cb *ConditionBuilder) Lt(value FilterValue) *QueryFilter {
	return cb.condition(ComparisonOperatorLt, value)
}

// Lte builds a less-than-or-equal condition.
func (cb *ConditionBuilder) Lte(value FilterValue) *QueryFilter {
	return cb.condition(ComparisonOperatorLte, value)
}

// Gt builds a greater-than condition.
func (cb *ConditionBuilder) Gt(value FilterValue) *QueryFilter {
	return cb.condition(ComparisonOperatorGt, value)
}

// Gte builds a greater-than-or-equal condition.
func (cb *ConditionBuilder) Gte(value FilterValue) *QueryFilter {
	return cb.condition(ComparisonOperatorGte, value)
}

// In builds a membership condition.
func (cb *ConditionBuilder) In(values ...FilterValue) *QueryFilter {
	return cb.condition(ComparisonOperatorIn, values)
}

// Nin builds a negated membership condition.
func (cb *ConditionBuilder) Nin(values ...FilterValue) *QueryFilter {
	return cb.condition(ComparisonOperatorNin, values)
}

// Exists builds a field-presence condition.
func (cb *ConditionBuilder) Exists() *QueryFilter {
	return cb.condition(ComparisonOperatorExists, nil)
}

// NotExists builds a field-absence condition.
func (cb *ConditionBuilder) NotExists() *QueryFilter {
	return cb.condition(ComparisonOperatorNotExists, nil)
}

// And combines filters so that all must match.
func And(filters ...*QueryFilter) *QueryFilter {
	return group(LogicalAnd, filters)
}

// Or combines filters so that at least one must match.
func Or(filters ...*QueryFilter) *QueryFilter {
	return group(LogicalOr, filters)
}

// Not negates a filter.
func Not(filter *QueryFilter) *QueryFilter {
	return group(LogicalNot, []*QueryFilter{filter})
}

func group(op LogicalOperator, filters []*QueryFilter) *QueryFilter {
	g := &FilterGroup{Operator: op}
	for _, f := range filters {
		if f != nil {
			g.Conditions = append(g.Conditions, *f)
		}
	}
	return &QueryFilter{Group: g}
}
