package hooks

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestHookManager_PreWaitHooks(t *testing.T) {
	mgr := NewHookManager()

	var order []int
	mgr.RegisterPreWait(func(ctx context.Context, info WaitInfo) {
		order = append(order, 1)
	})
	mgr.RegisterPreWait(func(ctx context.Context, info WaitInfo) {
		order = append(order, 2)
		if info.Actor != 3 || info.Resource != 4 {
			t.Errorf("unexpected info %+v", info)
		}
	})

	mgr.RunPreWait(context.Background(), WaitInfo{Actor: 3, Resource: 4})

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("hooks ran in order %v, want [1 2]", order)
	}
}

func TestHookManager_NilIsNoop(t *testing.T) {
	var mgr *HookManager
	mgr.RunPreWait(context.Background(), WaitInfo{})
	mgr.RunBackoff(WaitInfo{})
	mgr.RunMeal(MealInfo{})
	mgr.RunTransient(0, errors.New("boom"))
	mgr.RunStarved(0, time.Second)
}

func TestHookManager_AllKinds(t *testing.T) {
	mgr := NewHookManager()

	var backoffs, meals, transients, starved int
	mgr.RegisterBackoff(func(info WaitInfo) { backoffs++ })
	mgr.RegisterMeal(func(info MealInfo) { meals += info.Attempts })
	mgr.RegisterTransient(func(actor int, err error) { transients++ })
	mgr.RegisterStarved(func(actor int, since time.Duration) { starved++ })

	mgr.RunBackoff(WaitInfo{})
	mgr.RunMeal(MealInfo{Attempts: 3})
	mgr.RunTransient(1, errors.New("boom"))
	mgr.RunStarved(1, time.Second)

	if backoffs != 1 || meals != 3 || transients != 1 || starved != 1 {
		t.Errorf("got backoffs=%d meals=%d transients=%d starved=%d", backoffs, meals, transients, starved)
	}
}

func TestLoggingHook(t *testing.T) {
	var logMessage string
	hook := LoggingHook(func(format string, args ...interface{}) {
		logMessage = format
	})
	hook(MealInfo{Actor: 1, Attempts: 2})

	if logMessage == "" {
		t.Error("Logging hook not called")
	}
}
