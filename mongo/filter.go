package mongo

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/asaidimu/go-fhirstore/core/query"
)

// toBSON translates a query filter into a MongoDB match document. A nil
// filter matches everything.
func toBSON(filter *query.QueryFilter) (bson.M, error) {
	if filter == nil {
		return bson.M{}, nil
	}

	switch {
	case filter.Condition != nil:
		return conditionToBSON(filter.Condition)
	case filter.Group != nil:
		return groupToBSON(filter.Group)
	default:
		return nil, fmt.Errorf("filter has neither a condition nor a group")
	}
}

func conditionToBSON(cond *query.FilterCondition) (bson.M, error) {
	switch cond.Operator {
	case query.ComparisonOperatorEq:
		return bson.M{cond.Field: cond.Value}, nil
	case query.ComparisonOperatorNeq:
		return bson.M{cond.Field: bson.M{"$ne": cond.Value}}, nil
	case query.ComparisonOperatorLt:
		return bson.M{cond.Field: bson.M{"$lt": cond.Value}}, nil
	case query.ComparisonOperatorLte:
		return bson.M{cond.Field: bson.M{"$lte": cond.Value}}, nil
	case query.ComparisonOperatorGt:
		return bson.M{cond.Field: bson.M{"$gt": cond.Value}}, nil
	case query.ComparisonOperatorGte:
		return bson.M{cond.Field: bson.M{"$gte": cond.Value}}, nil
	case query.ComparisonOperatorIn:
		values, err := valueList(cond)
		if err != nil {
			return nil, err
		}
		return bson.M{cond.Field: bson.M{"$in": values}}, nil
	case query.ComparisonOperatorNin:
		values, err := valueList(cond)
		if err != nil {
			return nil, err
		}
		return bson.M{cond.Field: bson.M{"$nin": values}}, nil
	case query.ComparisonOperatorExists:
		return bson.M{cond.Field: bson.M{"$exists": true}}, nil
	case query.ComparisonOperatorNotExists:
		return bson.M{cond.Field: bson.M{"$exists": false}}, nil
	default:
		return nil, fmt.Errorf("unsupported comparison operator %q", cond.Operator)
	}
}

func groupToBSON(group *query.FilterGroup) (bson.M, error) {
	subs := make([]bson.M, 0, len(group.Conditions))
	for i := range group.Conditions {
		sub, err := toBSON(&group.Conditions[i])
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}

	switch group.Operator {
	case query.LogicalAnd:
		return bson.M{"$and": subs}, nil
	case query.LogicalOr:
		return bson.M{"$or": subs}, nil
	case query.LogicalNot:
		if len(subs) != 1 {
			return nil, fmt.Errorf("a not group requires exactly one nested filter, got %d", len(subs))
		}
		return bson.M{"$nor": subs}, nil
	default:
		return nil, fmt.Errorf("unsupported logical operator %q", group.Operator)
	}
}

func valueList(cond *query.FilterCondition) ([]any, error) {
	switch items := cond.Value.(type) {
	case []any:
		return items, nil
	case []query.FilterValue:
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = item
		}
		return out, nil
	default:
		return nil, fmt.Errorf("operator %q requires a list value", cond.Operator)
	}
}
