package repo

const (
	ParishesKey = "parishes"
	UsersKey    = "users"

	emailIndexKey = "idx:users:email"
	tokenIndexKey = "idx:invites:token"
)

func ParishUsersKey(parishID string) string   { return parishID + ":users" }
func ParishQuizzesKey(parishID string) string { return parishID + ":quizzes" }
func ParishInvitesKey(parishID string) string { return parishID + ":invites" }
func UserResponsesKey(userID string) string   { return userID + ":responses" }
func QuizResponsesKey(quizID string) string   { return quizID + ":responses" }
