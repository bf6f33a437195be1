// Package query defines the filter expressions accepted by search operations
// and an in-memory matcher for evaluating them against documents. Filters are
// deliberately small: search is a pass-through filtered scan bounded to one
// collection, not a query language.
package query

// LogicalOperator combines filter conditions.
type LogicalOperator string

const (
	LogicalAnd LogicalOperator = "and"
	LogicalOr  LogicalOperator = "or"
	LogicalNot LogicalOperator = "not"
)

// ComparisonOperator is the operator of a single filter condition.
type ComparisonOperator string

const (
	ComparisonOperatorEq        ComparisonOperator = "eq"
	ComparisonOperatorNeq       ComparisonOperator = "neq"
	ComparisonOperatorLt        ComparisonOperator = "lt"
	ComparisonOperatorLte       ComparisonOperator = "lte"
	ComparisonOperatorGt        ComparisonOperator = "gt"
	ComparisonOperatorGte       ComparisonOperator = "gte"
	ComparisonOperatorIn        ComparisonOperator = "in"
	ComparisonOperatorNin       ComparisonOperator = "nin"
	ComparisonOperatorExists    ComparisonOperator = "exists"
	ComparisonOperatorNotExists ComparisonOperator = "nexists"
)

// FilterValue is the comparison value of a condition.
type FilterValue any

// FilterCondition is a single field comparison. Field may be a dot path
// ("name.family"); path segments that land on an array match if any element
// matches.
type FilterCondition struct {
	Field    string             `json:"field"`
	Operator ComparisonOperator `json:"operator"`
	Value    FilterValue        `json:"value,omitempty"`
}

// FilterGroup combines nested filters with a logical operator.
type FilterGroup struct {
	Operator   LogicalOperator `json:"operator"`
	Conditions []QueryFilter   `json:"conditions"`
}

// QueryFilter is either a single condition or a group; exactly one side is set.
type QueryFilter struct {
	Condition *FilterCondition `json:"condition,omitempty"`
	Group     *FilterGroup     `json:"group,omitempty"`
}
