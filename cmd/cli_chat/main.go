package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"english-tutor/internal/config"
	"english-tutor/internal/db"
	"english-tutor/internal/domain"
	"english-tutor/internal/llm"
	"english-tutor/internal/repository"
	"english-tutor/internal/service"
)

const cliUserID = "cli-student"

func main() {
	ctx := context.Background()
	reader := bufio.NewReader(os.Stdin)

	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	logger := zap.NewExample()
	defer logger.Sync()

	stores, closeStores, err := db.OpenStores(ctx, cfg, logger)
	if err != nil {
		log.Fatal(err)
	}
	defer closeStores()

	llmClient, err := llm.NewClientFromConfig(ctx, cfg, logger)
	if err != nil {
		log.Fatal(err)
	}

	lesson, err := chooseLesson(ctx, reader, stores)
	if err != nil {
		log.Fatalf("elegir leccion: %v", err)
	}

	controller := service.NewDialogueController(uuid.NewString(), llmClient, stores.Records, logger)
	defer controller.Close()

	call, err := controller.Start(lesson.Title, lesson.Description)
	if err != nil {
		log.Fatal(err)
	}
	wait(call, cfg.LLMTimeout)
	printLatest(controller)

	fmt.Println("Comandos: /evaluate, /submit [texto], /save, /quit")
	for {
		fmt.Print("Student > ")
		text, err := reader.ReadString('\n')
		if err != nil {
			fmt.Println()
			return
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}

		switch {
		case text == "/quit":
			fmt.Println("Saliendo...")
			return
		case text == "/evaluate":
			call, err := controller.Evaluate()
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			wait(call, cfg.LLMTimeout)
			printEvaluation(controller)
		case text == "/submit" || strings.HasPrefix(text, "/submit "):
			call, err := controller.SubmitAndEvaluate(strings.TrimSpace(strings.TrimPrefix(text, "/submit")))
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			wait(call, 2*cfg.LLMTimeout)
			printEvaluation(controller)
		case text == "/save":
			saveCtx, cancel := context.WithTimeout(ctx, cfg.LLMTimeout+10*time.Second)
			record, err := controller.Save(saveCtx, lesson.ID, cliUserID)
			cancel()
			if err != nil {
				fmt.Printf("error guardando: %v\n", err)
				continue
			}
			printEvaluation(controller)
			fmt.Printf("Guardado (record %s).\n", record.ID)
		default:
			call, err := controller.SubmitUserTurn(text)
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			wait(call, cfg.LLMTimeout)
			printLatest(controller)
		}
	}
}

// chooseLesson carga la leccion por id o, si no se indica, la pide por consola.
// En modo SQLite la leccion ingresada se guarda para poder asociarle el dialogo.
func chooseLesson(ctx context.Context, reader *bufio.Reader, stores db.Stores) (domain.Lesson, error) {
	fmt.Print("ID de leccion (vacio para ingresarla a mano): ")
	id, _ := reader.ReadString('\n')
	id = strings.TrimSpace(id)
	if id != "" {
		lesson, err := stores.Lessons.GetByID(ctx, id)
		if err == nil {
			return lesson, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return domain.Lesson{}, err
		}
		fmt.Println("Leccion no encontrada.")
	}

	fmt.Print("Titulo del video: ")
	title, _ := reader.ReadString('\n')
	fmt.Print("Descripcion del video: ")
	description, _ := reader.ReadString('\n')

	lesson := domain.Lesson{
		ID:          uuid.NewString(),
		Title:       strings.TrimSpace(title),
		Description: strings.TrimSpace(description),
	}
	if stores.SQLite != nil {
		if err := stores.SQLite.UpsertLesson(ctx, lesson); err != nil {
			return domain.Lesson{}, fmt.Errorf("guardar leccion: %w", err)
		}
	}
	return lesson, nil
}

func wait(call *service.Call, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout+5*time.Second)
	defer cancel()
	if err := call.Wait(ctx); err != nil {
		fmt.Println("(el tutor sigue pensando...)")
	}
}

func printLatest(controller *service.DialogueController) {
	if msg, ok := controller.LatestAssistantMessage(); ok {
		fmt.Printf("Tutor > %s\n", msg.Content)
	}
}

func printEvaluation(controller *service.DialogueController) {
	snap := controller.Snapshot()
	if snap.Evaluation == nil {
		return
	}
	fmt.Println()
	fmt.Println(snap.Evaluation.Text())
	fmt.Println()
}
