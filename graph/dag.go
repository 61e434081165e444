// Package graph provides directed acyclic graph (DAG) utilities for card
// dependency management. This package offers cycle detection, topological
// sorting and readiness checks for planned card graphs.
package graph

import (
	"fmt"

	"dossio.org/analysis"
)

// ValidateDAG checks a planned card set for missing and circular
// dependencies. Uses depth-first search with recursion stack detection.
func ValidateDAG(cards []*analysis.Card) error {
	byID := make(map[string]*analysis.Card, len(cards))
	for _, card := range cards {
		byID[card.ID] = card
	}

	for _, card := range cards {
		for _, depID := range card.Deps {
			if _, ok := byID[depID]; !ok {
				return fmt.Errorf("card %s depends on unknown card %s", card.ID, depID)
			}
		}
	}

	visited := make(map[string]bool)
	recursionStack := make(map[string]bool)
	for _, card := range cards {
		if !visited[card.ID] {
			if err := checkCycleRecursive(byID, card.ID, visited, recursionStack); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkCycleRecursive(byID map[string]*analysis.Card, cardID string, visited, recursionStack map[string]bool) error {
	visited[cardID] = true
	recursionStack[cardID] = true

	for _, depID := range byID[cardID].Deps {
		if !visited[depID] {
			if err := checkCycleRecursive(byID, depID, visited, recursionStack); err != nil {
				return err
			}
		} else if recursionStack[depID] {
			return fmt.Errorf("circular dependency detected: %s -> %s", cardID, depID)
		}
	}

	recursionStack[cardID] = false
	return nil
}

// ExecutionOrder returns cards in topologically sorted order using Kahn's
// algorithm. Cards with no dependencies come first, then cards depending on
// them, etc.
func ExecutionOrder(cards []*analysis.Card) ([]*analysis.Card, error) {
	dependents := make(map[string][]*analysis.Card)
	inDegree := make(map[string]int)

	for _, card := range cards {
		inDegree[card.ID] = 0
	}

	for _, card := range cards {
		for _, depID := range card.Deps {
			dependents[depID] = append(dependents[depID], card)
			inDegree[card.ID]++
		}
	}

	var queue []*analysis.Card
	for _, card := range cards {
		if inDegree[card.ID] == 0 {
			queue = append(queue, card)
		}
	}

	var result []*analysis.Card
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)

		for _, dependent := range dependents[current.ID] {
			inDegree[dependent.ID]--
			if inDegree[dependent.ID] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(result) != len(cards) {
		return nil, fmt.Errorf("circular dependency detected in card graph")
	}

	return result, nil
}

// Ready reports whether every dependency of the card has finished
// successfully. A failed or skipped dependency never satisfies readiness.
func Ready(card *analysis.Card, byID map[string]*analysis.Card) (bool, error) {
	for _, depID := range card.Deps {
		dep, ok := byID[depID]
		if !ok {
			return false, fmt.Errorf("dependency card %s not found", depID)
		}
		if dep.Status != analysis.CardCompleted {
			return false, nil
		}
	}
	return true, nil
}

// Downstream returns the transitive dependents of a card, the set that can
// never run once the card fails permanently.
func Downstream(cardID string, cards []*analysis.Card) []*analysis.Card {
	dependents := make(map[string][]*analysis.Card)
	for _, card := range cards {
		for _, depID := range card.Deps {
			dependents[depID] = append(dependents[depID], card)
		}
	}

	seen := make(map[string]bool)
	var result []*analysis.Card
	var walk func(id string)
	walk = func(id string) {
		for _, dep := range dependents[id] {
			if !seen[dep.ID] {
				seen[dep.ID] = true
				result = append(result, dep)
				walk(dep.ID)
			}
		}
	}
	walk(cardID)
	return result
}
