package evaluation

import (
	"context"
	"fmt"
	"strconv"

	"github.com/capitalize-ai/caddy-supervisor/internal/model"
)

// Randomisation assigns a thread to the control group with probability
// "split" and returns "control_group_message" for control threads.
func Randomisation(random func() float64) Module {
	return ModuleFunc(func(_ context.Context, in Input) (Result, error) {
		split, err := floatArg(in.Arguments, "split")
		if err != nil {
			return Result{}, err
		}
		if split < 0 || split > 1 {
			return Result{}, fmt.Errorf("split %v outside [0, 1]", split)
		}
		message, _ := in.Arguments["control_group_message"].(string)

		draw := random()
		payload := map[string]any{"draw": draw, "split": split}
		if draw < split {
			return Result{Status: model.StatusEnd, Variant: string(model.ArmControl), Message: message, Payload: payload}, nil
		}
		return Result{Status: model.StatusContinue, Variant: string(model.ArmTreatment), Payload: payload}, nil
	})
}

func floatArg(args map[string]any, name string) (float64, error) {
	v, ok := args[name]
	if !ok {
		return 0, fmt.Errorf("missing argument %q", name)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("argument %q: %w", name, err)
		}
		return f, nil
	}
	return 0, fmt.Errorf("argument %q has type %T", name, v)
}
