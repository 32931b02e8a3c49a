package main

import (
	"context"
	"log"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"

	"github.com/mybooks/server/internal/bot"
	"github.com/mybooks/server/internal/config"
	"github.com/mybooks/server/internal/db"
	"github.com/mybooks/server/internal/repo"
)

const handlerTimeout = 15 * time.Second

func main() {
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.BotToken == "" {
		log.Fatal("BOT_TOKEN environment variable is required")
	}

	database, err := db.Open(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	userRepo := repo.NewUserRepo(database)
	authRequestRepo := repo.NewAuthRequestRepo(database)
	linkHandler := bot.NewLinkHandler(userRepo, authRequestRepo)

	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		log.Fatalf("Failed to create bot: %v", err)
	}
	log.Printf("Authorized on account %s", api.Self.UserName)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	u.AllowedUpdates = []string{tgbotapi.UpdateTypeMessage}

	updates := api.GetUpdatesChan(u)
	for update := range updates {
		if update.Message == nil {
			continue
		}
		handleMessage(api, linkHandler, update.Message)
	}
}

func handleMessage(api *tgbotapi.BotAPI, handler *bot.LinkHandler, msg *tgbotapi.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	identity := bot.Identity{
		TelegramID: strconv.FormatInt(msg.From.ID, 10),
		FirstName:  msg.From.FirstName,
		LastName:   msg.From.LastName,
		Username:   msg.From.UserName,
	}

	switch {
	case msg.Contact != nil:
		handleContact(ctx, api, handler, msg, identity)
	case msg.IsCommand() && msg.Command() == "start":
		handleStart(ctx, api, handler, msg, identity)
	}
}

func handleStart(ctx context.Context, api *tgbotapi.BotAPI, handler *bot.LinkHandler, msg *tgbotapi.Message, identity bot.Identity) {
	payload := msg.CommandArguments()
	if payload == "" {
		send(api, tgbotapi.NewMessage(msg.Chat.ID,
			"Welcome! Please open the app and tap \"Login with Telegram\" to start."))
		return
	}

	log.Printf("Login request %s from telegram id %s", payload, identity.TelegramID)

	outcome, err := handler.HandleStart(ctx, payload, identity)
	if err != nil {
		log.Printf("Start handling failed for %s: %v", payload, err)
		send(api, tgbotapi.NewMessage(msg.Chat.ID, "An error occurred. Please try again."))
		return
	}

	switch outcome {
	case bot.StartInvalidRequest:
		send(api, tgbotapi.NewMessage(msg.Chat.ID,
			"Invalid or expired login request. Please try again from the app."))
	case bot.StartNeedPhone:
		reply := tgbotapi.NewMessage(msg.Chat.ID,
			"Hello! To continue, please share your phone number using the button below:")
		reply.ReplyMarkup = tgbotapi.NewOneTimeReplyKeyboard(
			tgbotapi.NewKeyboardButtonRow(
				tgbotapi.NewKeyboardButtonContact("Share phone number"),
			),
		)
		send(api, reply)
	case bot.StartCompleted:
		reply := tgbotapi.NewMessage(msg.Chat.ID,
			"Successfully logged in as "+msg.From.FirstName+"! You can return to the app now.")
		reply.ReplyMarkup = tgbotapi.NewRemoveKeyboard(false)
		send(api, reply)
	}
}

func handleContact(ctx context.Context, api *tgbotapi.BotAPI, handler *bot.LinkHandler, msg *tgbotapi.Message, identity bot.Identity) {
	contact := msg.Contact
	if contact.UserID != msg.From.ID {
		send(api, tgbotapi.NewMessage(msg.Chat.ID, "Please share your own contact."))
		return
	}

	outcome, err := handler.HandleContact(ctx, identity, contact.PhoneNumber)
	if err != nil {
		log.Printf("Contact handling failed for telegram id %s: %v", identity.TelegramID, err)
		send(api, tgbotapi.NewMessage(msg.Chat.ID, "Failed to save phone number."))
		return
	}

	switch outcome {
	case bot.ContactCompleted:
		reply := tgbotapi.NewMessage(msg.Chat.ID,
			"Thank you! You are logged in. You can return to the app now.")
		reply.ReplyMarkup = tgbotapi.NewRemoveKeyboard(false)
		send(api, reply)
	case bot.ContactSaved:
		send(api, tgbotapi.NewMessage(msg.Chat.ID,
			"Thank you! Your phone number has been saved. You can now login from the app."))
	}
}

func send(api *tgbotapi.BotAPI, msg tgbotapi.MessageConfig) {
	if _, err := api.Send(msg); err != nil {
		log.Printf("Failed to send message: %v", err)
	}
}
