package main

import (
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/pdfcompat/internal/services"
)

var (
	checkInstance *services.CheckFunction
	once          sync.Once
	initErr       error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("CheckTransparency", checkTransparency)
}

// main is required by the Go Functions Framework.
func main() {}

func checkTransparency(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		checkInstance, initErr = services.NewCheckFunction()
	})
	if initErr != nil {
		slog.Error("CRITICAL: transparency check initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}
	checkInstance.ServeHTTP(w, r)
}
