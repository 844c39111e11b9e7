package main

import (
	"fmt"

	"corerpc/message"
	"corerpc/router"
)

// ArithController is the example service this process ships with, demonstrating the
// registration surface end to end with two trivially verifiable routes.
type ArithController struct{}

func (ArithController) Prefix() string { return "/arith" }

func (ArithController) RouteDescriptor() []router.RouteDef {
	return []router.RouteDef{
		{Target: "/add", MethodName: "Add", Loggable: true},
		{Target: "/multiply", MethodName: "Multiply", Loggable: true},
	}
}

func (ArithController) Add(req *message.Message) (map[string]any, error) {
	a, b := req.Data.GetInt("a"), req.Data.GetInt("b")
	return map[string]any{"result": a + b}, nil
}

func (ArithController) Multiply(req *message.Message) (map[string]any, error) {
	a, b := req.Data.GetInt("a"), req.Data.GetInt("b")
	if req.Data.GetBool("failOnZero") && (a == 0 || b == 0) {
		return nil, fmt.Errorf("arith: refusing to multiply by zero")
	}
	return map[string]any{"result": a * b}, nil
}
