package engine

// DefaultClassNames is the 80-category COCO table used when no .names file is
// found next to the model. "sports ball" and "tennis racket" stand in for the
// pickleball and paddle.
var DefaultClassNames = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat",
	"dog", "horse", "sheep", "cow", "elephant", "bear", "zebra", "giraffe", "backpack",
	"umbrella", "handbag", "tie", "suitcase", "frisbee", "skis", "snowboard", "sports ball",
	"kite", "baseball bat", "baseball glove", "skateboard", "surfboard", "tennis racket",
	"bottle", "wine glass", "cup", "fork", "knife", "spoon", "bowl", "banana", "apple",
	"sandwich", "orange", "broccoli", "carrot", "hot dog", "pizza", "donut", "cake",
	"chair", "couch", "potted plant", "bed", "dining table", "toilet", "tv", "laptop",
	"mouse", "remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink",
	"refrigerator", "book", "clock", "vase", "scissors", "teddy bear", "hair drier", "toothbrush",
}

const (
	ClassPerson  = "person"
	ClassBall    = "sports ball"
	ClassPaddle  = "tennis racket"
	ClassUnknown = "unknown"
)

// PickleballClasses are the classes the analysis pipeline cares about.
var PickleballClasses = []string{ClassPerson, ClassBall, ClassPaddle}
