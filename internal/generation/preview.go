package generation

// Voice preview settings.
const (
	PreviewModel  = ModelFlash
	PreviewFormat = "mp3_22050_32"
)

var previewTexts = map[string]string{
	"en": "Hello, this is a preview of my voice. How do you like it?",
	"vi": "Xin chào, đây là bản xem trước giọng nói của tôi. Bạn thấy thế nào?",
	"zh": "你好，这是我声音的预览。你觉得怎么样？",
	"ja": "こんにちは、これは私の声のプレビューです。いかがですか？",
	"ko": "안녕하세요, 이것은 제 목소리의 미리보기입니다. 어떠신가요?",
	"es": "Hola, esta es una vista previa de mi voz. ¿Qué te parece?",
	"fr": "Bonjour, ceci est un aperçu de ma voix. Qu'en pensez-vous?",
	"de": "Hallo, das ist eine Vorschau meiner Stimme. Wie gefällt sie Ihnen?",
}

// PreviewText returns the sample sentence for language, falling back to English.
func PreviewText(language string) string {
	if sample, ok := previewTexts[language]; ok {
		return sample
	}

	return previewTexts["en"]
}
